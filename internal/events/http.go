package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the server accepts a request for Route.
// The request context carries the query id.
type HTTPStart struct {
	Request *http.Request
	Route   string
}

// HTTPFinish is emitted after the handler has written its response.
type HTTPFinish struct {
	Request  *http.Request
	Route    string
	Status   int
	Bytes    int
	Duration time.Duration
}
