// SPDX-License-Identifier: MIT

package sysmon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HostStats is the host half of a snapshot.
type HostStats struct {
	Hostname         string  `json:"hostname"`
	UptimeS          float64 `json:"uptime_s"`
	Load1            float64 `json:"load1"`
	Load5            float64 `json:"load5"`
	Load15           float64 `json:"load15"`
	CPUFraction      float64 `json:"cpu_fraction"`
	CPUCores         int     `json:"cpu_cores"`
	MemTotalBytes    uint64  `json:"mem_total_bytes"`
	MemAvailBytes    uint64  `json:"mem_available_bytes"`
	MemUsedFraction  float64 `json:"mem_used_fraction"`
	DiskTotalBytes   uint64  `json:"disk_total_bytes"`
	DiskFreeBytes    uint64  `json:"disk_free_bytes"`
	DiskUsedFraction float64 `json:"disk_used_fraction"`
	NetRxBytesPerSec float64 `json:"net_rx_bytes_per_sec"`
	NetTxBytesPerSec float64 `json:"net_tx_bytes_per_sec"`
}

type cpuSample struct {
	busy  uint64
	total uint64
	ok    bool
}

type netSample struct {
	rx uint64
	tx uint64
	at time.Time
	ok bool
}

// hostReader collects host signals from /proc. Rate-style signals (CPU
// fraction, network byte rates) need two consecutive reads; the first
// tick reports them as missing rather than fabricating a value.
type hostReader struct {
	procRoot string
	dataDir  string
	cores    int

	prevCPU cpuSample
	prevNet netSample
}

func newHostReader(procRoot, dataDir string) *hostReader {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &hostReader{procRoot: procRoot, dataDir: dataDir}
}

// collect reads every host signal. Readings that cannot be produced are
// reported with OK=false so the rating fails closed.
func (h *hostReader) collect(now time.Time) (HostStats, Inputs) {
	var stats HostStats
	var in Inputs

	stats.Hostname, _ = os.Hostname()
	stats.UptimeS = h.readUptime()

	if l1, l5, l15, err := h.readLoadAvg(); err == nil {
		stats.Load1, stats.Load5, stats.Load15 = l1, l5, l15
		cores := h.logicalCores()
		stats.CPUCores = cores
		if cores > 0 {
			in.Load1PerCore = Reading{Value: l1 / float64(cores), At: now, OK: true}
		}
	}

	if frac, ok := h.readCPUFraction(); ok {
		stats.CPUFraction = frac
		in.CPUFraction = Reading{Value: frac, At: now, OK: true}
	}

	if total, avail, err := h.readMemInfo(); err == nil && total > 0 {
		stats.MemTotalBytes = total
		stats.MemAvailBytes = avail
		frac := 1.0 - float64(avail)/float64(total)
		stats.MemUsedFraction = frac
		in.MemFraction = Reading{Value: frac, At: now, OK: true}
	}

	if total, free, err := h.readDiskUsage(); err == nil && total > 0 {
		stats.DiskTotalBytes = total
		stats.DiskFreeBytes = free
		stats.DiskUsedFraction = 1.0 - float64(free)/float64(total)
	}

	if rx, tx, ok := h.readNetRates(now); ok {
		stats.NetRxBytesPerSec = rx
		stats.NetTxBytesPerSec = tx
	}

	return stats, in
}

func (h *hostReader) readUptime() float64 {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "uptime"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	up, _ := strconv.ParseFloat(fields[0], 64)
	return up
}

func (h *hostReader) readLoadAvg() (float64, float64, float64, error) {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "loadavg"))
	if err != nil {
		return 0, 0, 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("loadavg parse: got %d fields", len(fields))
	}
	l1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loadavg parse: %w", err)
	}
	l5, _ := strconv.ParseFloat(fields[1], 64)
	l15, _ := strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15, nil
}

// logicalCores counts "cpuN" lines in /proc/stat once and caches.
func (h *hostReader) logicalCores() int {
	if h.cores > 0 {
		return h.cores
	}
	data, err := os.ReadFile(filepath.Join(h.procRoot, "stat"))
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "cpu") && len(line) > 3 && line[3] >= '0' && line[3] <= '9' {
			n++
		}
	}
	h.cores = n
	return n
}

// readCPUFraction derives the busy fraction from the delta of two
// aggregate /proc/stat reads. The first call primes the baseline and
// reports missing.
func (h *hostReader) readCPUFraction() (float64, bool) {
	cur := h.readCPUSample()
	prev := h.prevCPU
	h.prevCPU = cur
	if !cur.ok || !prev.ok || cur.total <= prev.total {
		return 0, false
	}
	dBusy := cur.busy - prev.busy
	dTotal := cur.total - prev.total
	return float64(dBusy) / float64(dTotal), true
}

func (h *hostReader) readCPUSample() cpuSample {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "stat"))
	if err != nil {
		return cpuSample{}
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuSample{}
	}
	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuSample{}
		}
		total += v
		// fields 4 and 5 are idle and iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return cpuSample{busy: total - idle, total: total, ok: true}
}

func (h *hostReader) readMemInfo() (total, avail uint64, err error) {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			avail = kb * 1024
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("meminfo parse: MemTotal not found")
	}
	return total, avail, nil
}

func (h *hostReader) readDiskUsage() (total, free uint64, err error) {
	if h.dataDir == "" {
		return 0, 0, fmt.Errorf("no data dir configured")
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return uint64(st.Blocks) * bsize, uint64(st.Bavail) * bsize, nil
}

// readNetRates sums rx/tx bytes across non-loopback interfaces and
// derives byte rates from the previous read.
func (h *hostReader) readNetRates(now time.Time) (rxRate, txRate float64, ok bool) {
	cur := h.readNetSample(now)
	prev := h.prevNet
	h.prevNet = cur
	if !cur.ok || !prev.ok {
		return 0, 0, false
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 || cur.rx < prev.rx || cur.tx < prev.tx {
		return 0, 0, false
	}
	return float64(cur.rx-prev.rx) / dt, float64(cur.tx-prev.tx) / dt, true
}

func (h *hostReader) readNetSample(now time.Time) netSample {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "net/dev"))
	if err != nil {
		return netSample{}
	}
	var rx, tx uint64
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		// rx bytes is field 0, tx bytes is field 8
		if len(fields) < 9 {
			continue
		}
		r, _ := strconv.ParseUint(fields[0], 10, 64)
		t, _ := strconv.ParseUint(fields[8], 10, 64)
		rx += r
		tx += t
	}
	return netSample{rx: rx, tx: tx, at: now, ok: true}
}
