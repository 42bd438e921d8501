package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// RemoteFetchStart is emitted before a page is requested from a remote engine.
type RemoteFetchStart struct {
	Endpoint string
	Offset   int
	AtMost   int
}

// RemoteFetchFinish is emitted after the page arrived or the request failed.
type RemoteFetchFinish struct {
	Endpoint string
	Offset   int
	Values   int
	Code     codes.Code
	Err      error
	Duration time.Duration
}
