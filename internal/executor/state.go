package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/qerrors"
)

// State is the answer of a block to a produce or skip call.
type State int

const (
	HasMore State = iota
	Done
	Waiting
)

func (s State) String() string {
	switch s {
	case HasMore:
		return "HASMORE"
	case Done:
		return "DONE"
	case Waiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

// Stats are counters summed over all blocks of one query.
type Stats struct {
	Scanned   int64 `json:"scanned"`
	Filtered  int64 `json:"filtered"`
	FullCount int64 `json:"fullCount"`
	Fetched   int64 `json:"fetched"`
	Waits     int64 `json:"waits"`
}

func (s *Stats) Add(o Stats) {
	s.Scanned += o.Scanned
	s.Filtered += o.Filtered
	s.FullCount += o.FullCount
	s.Fetched += o.Fetched
	s.Waits += o.Waits
}

// Waker is signalled whenever asynchronous work finishes. A driver that saw
// Waiting blocks on it before retrying.
type Waker struct {
	ch chan struct{}
}

func NewWaker() *Waker { return &Waker{ch: make(chan struct{}, 1)} }

// Wake never blocks; wakeups coalesce.
func (w *Waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the next wakeup or until ctx ends.
func (w *Waker) Wait(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return qerrors.Timeoutf("query timed out while waiting")
		}
		return qerrors.Killedf("query killed while waiting")
	}
}
