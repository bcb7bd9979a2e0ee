package chat

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Metrics accumulates process-wide traffic counters. All fields are
// cumulative; consumers diff successive snapshots.
type Metrics struct {
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	sessions   atomic.Int64 // currently open connections, authed or not
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	Sessions   int64  `json:"sessions"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PacketsIn:  m.packetsIn.Load(),
		PacketsOut: m.packetsOut.Load(),
		BytesIn:    m.bytesIn.Load(),
		BytesOut:   m.bytesOut.Load(),
		Sessions:   m.sessions.Load(),
	}
}

// RunMetrics logs traffic deltas every interval until ctx is canceled.
// Quiet intervals are skipped.
func RunMetrics(ctx context.Context, srv *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := srv.Metrics().Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := srv.Metrics().Snapshot()
			in := cur.PacketsIn - prev.PacketsIn
			out := cur.PacketsOut - prev.PacketsOut
			if cur.Sessions > 0 || in > 0 || out > 0 {
				log.Printf("[metrics] sessions=%d online=%d in=%d out=%d bytes_in=%d bytes_out=%d",
					cur.Sessions, srv.Registry().Count(), in, out,
					cur.BytesIn-prev.BytesIn, cur.BytesOut-prev.BytesOut)
			}
			prev = cur
		}
	}
}
