package ws

import "time"

// ConnInfo describes the live transport of a ConnectionManager.
type ConnInfo struct {
	ConnID      string
	URL         string
	TraceID     string
	ConnectedAt time.Time
}
