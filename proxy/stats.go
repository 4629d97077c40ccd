package proxy

import "sync/atomic"

// Stats holds server-wide counters, updated without locks.
type Stats struct {
	accepted  atomic.Int64
	active    atomic.Int64
	succeeded atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Accepted  int64
	Active    int64
	Succeeded int64
	Rejected  int64
	Failed    int64
	BytesUp   int64
	BytesDown int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepted:  s.accepted.Load(),
		Active:    s.active.Load(),
		Succeeded: s.succeeded.Load(),
		Rejected:  s.rejected.Load(),
		Failed:    s.failed.Load(),
		BytesUp:   s.bytesUp.Load(),
		BytesDown: s.bytesDown.Load(),
	}
}
