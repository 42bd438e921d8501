package events

import "time"

// QueryStart is emitted when an engine begins executing a plan.
type QueryStart struct {
	QueryID string
	Nodes   int
	Shard   string
}

// QueryFinish is emitted once the query is done, killed or failed.
type QueryFinish struct {
	QueryID  string
	Shard    string
	Rows     int
	Scanned  int64
	Filtered int64
	Waits    int64
	Err      error
	Duration time.Duration
}

// BlockWaiting is emitted each time the root block yields WAITING.
type BlockWaiting struct {
	QueryID string
	Shard   string
	NodeID  int
}
