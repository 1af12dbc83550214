// SPDX-License-Identifier: MIT

package apimetrics

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Middleware records every request into the collector. Paths matching a
// configured prefix (monitoring, docs) are passed through untouched so
// scrapes do not pollute the window. Inflight is balanced even when the
// downstream handler panics.
func Middleware(c *Collector, excludedPrefixes []string, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range excludedPrefixes {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			start := time.Now()
			c.Begin()
			mw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				c.End()
				status := mw.statusCode
				if p := recover(); p != nil {
					// the outer recoverer will answer with a 500
					if !mw.written {
						status = http.StatusInternalServerError
					}
					c.Record(r.URL.Path, clientAddr(r, trustProxy), status, time.Since(start))
					panic(p)
				}
				c.Record(r.URL.Path, clientAddr(r, trustProxy), status, time.Since(start))
			}()

			next.ServeHTTP(mw, r)
		})
	}
}

// clientAddr extracts the client identity, honoring X-Forwarded-For only
// when the deployment says the proxy chain is trustworthy.
func clientAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			return strings.TrimSpace(xff)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(statusCode int) {
	if !sw.written {
		sw.statusCode = statusCode
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(statusCode)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}
