package transport

import "sync/atomic"

// Stats are counters shared by every listener and session of a TCP server.
type Stats struct {
	accepted      atomic.Int64
	received      atomic.Int64
	delivered     atomic.Int64
	framesWritten atomic.Int64
	throttled     atomic.Int64
	sessionErrors atomic.Int64
}

type StatsSnapshot struct {
	Sessions      int   `json:"sessions"`
	Accepted      int64 `json:"accepted"`
	Received      int64 `json:"received"`
	Delivered     int64 `json:"delivered"`
	FramesWritten int64 `json:"frames_written"`
	Throttled     int64 `json:"throttled"`
	SessionErrors int64 `json:"session_errors"`
}

func (s *Stats) snapshot(sessions int) StatsSnapshot {
	return StatsSnapshot{
		Sessions:      sessions,
		Accepted:      s.accepted.Load(),
		Received:      s.received.Load(),
		Delivered:     s.delivered.Load(),
		FramesWritten: s.framesWritten.Load(),
		Throttled:     s.throttled.Load(),
		SessionErrors: s.sessionErrors.Load(),
	}
}
