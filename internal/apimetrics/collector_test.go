// SPDX-License-Identifier: MIT

package apimetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/coresched/internal/clock"
)

func TestSnapshot_Empty(t *testing.T) {
	c := NewCollector(60*time.Second, clock.NewMockClock(time.Unix(1000, 0)))
	s := c.Snapshot(5)
	assert.Equal(t, 0, s.Requests)
	assert.Equal(t, 0.0, s.RPS)
	assert.Equal(t, 0.0, s.LatencyP95MS)
	assert.Empty(t, s.TopPaths)
}

func TestSnapshot_Aggregates(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1000, 0))
	c := NewCollector(60*time.Second, mc)

	// 20 requests, 1..20 ms, one of them a 500
	for i := 1; i <= 20; i++ {
		status := http.StatusOK
		if i == 7 {
			status = http.StatusInternalServerError
		}
		c.Record("/scheduler/jobs", "10.0.0.1", status, time.Duration(i)*time.Millisecond)
	}

	s := c.Snapshot(5)
	require.Equal(t, 20, s.Requests)
	assert.InDelta(t, 20.0/60.0, s.RPS, 1e-9)
	assert.InDelta(t, 10.5, s.LatencyAvgMS, 1e-9)
	// round(0.95*19)=18 -> sorted value 19ms
	assert.InDelta(t, 19.0, s.LatencyP95MS, 1e-9)
	assert.InDelta(t, 0.05, s.ErrorRate, 1e-9)
}

func TestSnapshot_WindowEviction(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1000, 0))
	c := NewCollector(60*time.Second, mc)

	c.Record("/old", "a", 200, time.Millisecond)
	mc.Advance(61 * time.Second)
	c.Record("/new", "a", 200, time.Millisecond)

	s := c.Snapshot(5)
	require.Equal(t, 1, s.Requests)
	require.Len(t, s.TopPaths, 1)
	assert.Equal(t, "/new", s.TopPaths[0].Key)
}

func TestSnapshot_TopOrdering(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1000, 0))
	c := NewCollector(60*time.Second, mc)

	for i := 0; i < 3; i++ {
		c.Record("/b", "w2", 200, time.Millisecond)
		c.Record("/a", "w1", 200, time.Millisecond)
	}
	c.Record("/c", "w3", 200, time.Millisecond)

	s := c.Snapshot(2)
	require.Len(t, s.TopPaths, 2)
	// equal counts break ties lexicographically
	assert.Equal(t, KeyCount{Key: "/a", Count: 3}, s.TopPaths[0])
	assert.Equal(t, KeyCount{Key: "/b", Count: 3}, s.TopPaths[1])
}

func TestP95Index(t *testing.T) {
	assert.Equal(t, 0, p95Index(0))
	assert.Equal(t, 0, p95Index(1))
	assert.Equal(t, 1, p95Index(2))  // round(0.95)
	assert.Equal(t, 18, p95Index(20))
	assert.Equal(t, 94, p95Index(100))
}

func TestMiddleware_RecordsAndExcludes(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1000, 0))
	c := NewCollector(60*time.Second, mc)

	h := Middleware(c, []string{"/metrics"}, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/scheduler/status", "/boom", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.168.1.5:43210"
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	s := c.Snapshot(10)
	require.Equal(t, 2, s.Requests, "excluded path must not be recorded")
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
	require.Len(t, s.TopClients, 1)
	assert.Equal(t, "192.168.1.5", s.TopClients[0].Key)
	assert.Equal(t, int64(0), c.Inflight())
}

func TestMiddleware_InflightBalancedOnPanic(t *testing.T) {
	c := NewCollector(60*time.Second, clock.RealClock{})
	h := Middleware(c, nil, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	assert.Panics(t, func() { h.ServeHTTP(httptest.NewRecorder(), req) })
	assert.Equal(t, int64(0), c.Inflight())

	// a panic that never wrote a status counts as a server error
	s := c.Snapshot(1)
	require.Equal(t, 1, s.Requests)
	assert.InDelta(t, 1.0, s.ErrorRate, 1e-9)
}

func TestClientAddr_ProxyHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:999"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")

	assert.Equal(t, "10.0.0.2", clientAddr(req, false))
	assert.Equal(t, "203.0.113.9", clientAddr(req, true))
}
