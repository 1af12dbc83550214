// SPDX-License-Identifier: MIT

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/coresched/internal/scheduler"
)

func TestWriter_DrainsAndFlushesOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	defer store.Close()

	w := NewWriter(store, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	created := time.Now().UTC().Add(-time.Minute)
	leased := created.Add(time.Second)
	finished := leased.Add(time.Second)
	w.RecordJob(scheduler.JobRecord{
		JobID: "j1", AddonID: "a1", Priority: "normal", RequestedUnits: 5,
		State: "completed", CreatedAt: created, UpdatedAt: finished,
		LeasedAt: &leased, FinishedAt: &finished,
	})
	w.RecordEvent(scheduler.EventRecord{
		TS: finished, EntityKind: "lease", EntityID: "l1", Type: "LEASE_RELEASED",
	})

	// queued records survive cancellation
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}

	stats, err := store.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	var events int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM job_events`).Scan(&events))
	assert.Equal(t, 1, events)
	assert.NoError(t, w.Healthy())
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	defer store.Close()

	// writer never runs, so the queue fills up
	w := NewWriter(store, 2)
	for i := 0; i < 5; i++ {
		w.RecordEvent(scheduler.EventRecord{TS: time.Now(), EntityKind: "job", EntityID: "j", Type: "JOB_SUBMITTED"})
	}
	assert.Len(t, w.ch, 2)
}

func TestWriter_SurfacesStorageErrors(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	require.NoError(t, err)
	// closing the store forces every write to fail
	require.NoError(t, store.Close())

	w := NewWriter(store, 4)
	w.write(record{event: &scheduler.EventRecord{TS: time.Now(), EntityKind: "job", EntityID: "j", Type: "JOB_SUBMITTED"}})
	assert.ErrorIs(t, w.Healthy(), scheduler.ErrStorage)

	// a later successful write clears the condition
	store2, err := Open(filepath.Join(t.TempDir(), "history2.sqlite"))
	require.NoError(t, err)
	defer store2.Close()
	w.store = store2
	w.write(record{event: &scheduler.EventRecord{TS: time.Now(), EntityKind: "job", EntityID: "j", Type: "JOB_SUBMITTED"}})
	assert.NoError(t, w.Healthy())
}
