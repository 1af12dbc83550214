// SPDX-License-Identifier: MIT

package sysmon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/coresched/internal/apimetrics"
	"github.com/ManuGH/coresched/internal/clock"
)

type fakeMinuteStore struct {
	inserts []struct {
		ts   int64
		busy float64
	}
	pruned []int64
}

func (f *fakeMinuteStore) InsertMinute(ts int64, busy float64, snapshot []byte) error {
	f.inserts = append(f.inserts, struct {
		ts   int64
		busy float64
	}{ts, busy})
	return nil
}

func (f *fakeMinuteStore) PruneBefore(cutoff int64) error {
	f.pruned = append(f.pruned, cutoff)
	return nil
}

// writeProcFixtures lays out a minimal /proc tree with the counters the
// reader consumes.
func writeProcFixtures(t *testing.T, dir string, cpuBusy, cpuIdle uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "net"), 0o755))
	files := map[string]string{
		"loadavg": "0.10 0.20 0.30 1/234 5678\n",
		"uptime":  "12345.67 23456.78\n",
		"stat": "cpu  " + itoa(cpuBusy) + " 0 0 " + itoa(cpuIdle) + " 0 0 0 0 0 0\n" +
			"cpu0 0 0 0 0 0 0 0 0 0 0\n" +
			"cpu1 0 0 0 0 0 0 0 0 0 0\n",
		"meminfo": "MemTotal:       8000000 kB\nMemFree:        2000000 kB\nMemAvailable:   4000000 kB\n",
		"net/dev": "Inter-|   Receive                                                |  Transmit\n" +
			" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n" +
			"    lo: 1000 10 0 0 0 0 0 0 1000 10 0 0 0 0 0 0\n" +
			"  eth0: 50000 100 0 0 0 0 0 0 30000 80 0 0 0 0 0 0\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func newTestSampler(t *testing.T, mc *clock.MockClock, store MinuteStore) (*Sampler, string) {
	t.Helper()
	procDir := t.TempDir()
	writeProcFixtures(t, procDir, 100, 900)
	api := apimetrics.NewCollector(60*time.Second, mc)
	s := New(Config{
		Interval:  5 * time.Second,
		Retention: 24 * time.Hour,
		ProcRoot:  procDir,
		DataDir:   procDir,
	}, mc, api, store)
	return s, procDir
}

func TestSampler_FailClosedBeforeFirstTick(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	s, _ := newTestSampler(t, mc, nil)
	assert.Nil(t, s.Latest())
	assert.Equal(t, 10.0, s.Busy())
}

func TestSampler_FirstTickMissingCPUFailsClosed(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	s, _ := newTestSampler(t, mc, nil)

	snap := s.SampleOnce()
	require.NotNil(t, snap)
	// no CPU delta yet, so the rating pins at 10
	assert.Equal(t, 10.0, snap.BusyRating)
	assert.Equal(t, 10.0, snap.Signals["cpu"])
	assert.Equal(t, "panic", snap.Quiet.State)
}

func TestSampler_SecondTickRatesCalmSystem(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	s, procDir := newTestSampler(t, mc, nil)

	s.SampleOnce()
	mc.Advance(5 * time.Second)
	// 50 more busy jiffies out of 1000: 5% CPU, below the 10% ramp floor
	writeProcFixtures(t, procDir, 150, 1850)
	snap := s.SampleOnce()

	require.NotNil(t, snap)
	assert.Equal(t, 0.0, snap.BusyRating)
	assert.InDelta(t, 0.05, snap.Host.CPUFraction, 1e-9)
	assert.InDelta(t, 0.5, snap.Host.MemUsedFraction, 1e-9)
	assert.Equal(t, 2, snap.Host.CPUCores)
	assert.Equal(t, "quiet", snap.Quiet.State)
	assert.Equal(t, snap, s.Latest())
}

func TestSampler_MinutePersistenceAligned(t *testing.T) {
	start := time.Unix(1_700_000_000, 0) // not minute-aligned (ends in :20)
	mc := clock.NewMockClock(start)
	store := &fakeMinuteStore{}
	s, _ := newTestSampler(t, mc, store)

	// ticks within the starting minute never write
	s.SampleOnce()
	mc.Advance(5 * time.Second)
	s.SampleOnce()
	assert.Empty(t, store.inserts)

	// first tick after the minute boundary writes one aligned row
	mc.Advance(60 * time.Second)
	s.SampleOnce()
	require.Len(t, store.inserts, 1)
	ts := store.inserts[0].ts
	assert.Zero(t, ts%60)
	assert.Equal(t, (start.Unix()+65)/60*60, ts)
	require.Len(t, store.pruned, 1)
	assert.Equal(t, mc.Now().Add(-24*time.Hour).Unix(), store.pruned[0])

	// further ticks in the same minute stay silent
	mc.Advance(5 * time.Second)
	s.SampleOnce()
	assert.Len(t, store.inserts, 1)
}
