package executor

import (
	"context"
	"sync"

	"github.com/hanpama/planexec/internal/qerrors"
)

// RemoteCall records one FetchPage invocation.
type RemoteCall struct {
	Endpoint string
	Offset   int
	AtMost   int
}

// MockRemote implements RemoteSource over fixed value lists and records every
// call. Hold makes fetches block until Release, so tests can observe Waiting.
type MockRemote struct {
	mu     sync.Mutex
	values map[string][]any
	errs   map[string]error
	gate   chan struct{}
	calls  []RemoteCall
}

// NewMockRemote serves values keyed by endpoint.
func NewMockRemote(values map[string][]any) *MockRemote {
	m := &MockRemote{values: make(map[string][]any), errs: make(map[string]error)}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// SetError makes every fetch from endpoint fail with err.
func (m *MockRemote) SetError(endpoint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[endpoint] = err
}

// Hold blocks subsequent fetches until Release.
func (m *MockRemote) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

func (m *MockRemote) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// FetchPage implements RemoteSource.
func (m *MockRemote) FetchPage(ctx context.Context, req RemoteRequest) (RemoteResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RemoteCall{Endpoint: req.Endpoint, Offset: req.Offset, AtMost: req.AtMost})
	gate := m.gate
	vals, ok := m.values[req.Endpoint]
	err := m.errs[req.Endpoint]
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return RemoteResponse{}, qerrors.Killedf("remote fetch from %s: %v", req.Endpoint, ctx.Err())
		}
	}
	if err != nil {
		return RemoteResponse{}, err
	}
	if !ok {
		return RemoteResponse{}, qerrors.NotFoundf("remote endpoint %q not found", req.Endpoint)
	}
	start := min(req.Offset, len(vals))
	end := min(start+req.AtMost, len(vals))
	page := append([]any(nil), vals[start:end]...)
	return RemoteResponse{Values: page, Done: end == len(vals)}, nil
}

// GetCalls returns a copy of the recorded calls in order.
func (m *MockRemote) GetCalls() []RemoteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls (values remain).
func (m *MockRemote) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
