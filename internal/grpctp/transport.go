package grpctp

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/logging"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/queryid"
)

// Transport fetches remote pages over gRPC. It keeps idle client connections
// per source address and is safe for concurrent use.
type Transport struct {
	opts *Options

	mu     sync.RWMutex
	byAddr map[string]*sourceConns
	closed atomic.Bool
}

func New(opts ...Option) *Transport {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Transport{
		opts:   o,
		byAddr: make(map[string]*sourceConns),
	}
}

var _ executor.RemoteSource = (*Transport)(nil)

// FetchPage implements executor.RemoteSource. The endpoint is resolved through
// the provider on every call; one of its addresses is picked at random.
func (t *Transport) FetchPage(ctx context.Context, req executor.RemoteRequest) (executor.RemoteResponse, error) {
	if t.closed.Load() {
		return executor.RemoteResponse{}, qerrors.RuntimeDataf("remote %s: transport closed", req.Endpoint)
	}
	if t.opts.Provider == nil {
		return executor.RemoteResponse{}, qerrors.NotFoundf("no endpoint provider for remote %q", req.Endpoint)
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok && t.opts.RPCTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.opts.RPCTimeout)
		defer cancel()
	}
	if qid, ok := queryid.FromContext(ctx); ok {
		callCtx = metadata.AppendToOutgoingContext(callCtx, queryIDKey, qid)
	}

	addrs, err := t.opts.Provider.Endpoints(ctx, req.Endpoint)
	if err != nil {
		return executor.RemoteResponse{}, err
	}
	src := t.source(addrs[rand.IntN(len(addrs))])

	cc, err := src.take(callCtx, req.Endpoint)
	if err != nil {
		return executor.RemoteResponse{}, qerrors.RuntimeDataf("remote %s: dial %s: %v", req.Endpoint, src.addr, err)
	}

	in, err := encodeRequest(req)
	if err != nil {
		src.giveBack(cc, false)
		return executor.RemoteResponse{}, err
	}
	out := &structpb.Struct{}
	if err := cc.Invoke(callCtx, fetchPageMethod, in, out); err != nil {
		// an unreachable source may have left the connection broken
		src.giveBack(cc, status.Code(err) == codes.Unavailable)
		return executor.RemoteResponse{}, fromStatus(ctx, req.Endpoint, err)
	}
	src.giveBack(cc, false)
	return decodeResponse(out)
}

// Close closes every idle connection. Fetches still in flight close their
// connection when they finish.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	srcs := t.byAddr
	t.byAddr = map[string]*sourceConns{}
	t.mu.Unlock()
	for addr, src := range srcs {
		if n := src.close(); n > 0 {
			logging.Debug("closed remote source connections", "addr", addr, "idle", n, "reason", "transport closed")
		}
	}
	return nil
}

func (t *Transport) source(addr string) *sourceConns {
	t.mu.RLock()
	src := t.byAddr[addr]
	t.mu.RUnlock()
	if src != nil {
		return src
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if src = t.byAddr[addr]; src == nil {
		src = &sourceConns{addr: addr, max: max(t.opts.MaxConnsPerEndpoint, 1), dial: t.opts.DialOptions}
		if t.closed.Load() {
			src.closed = true
		}
		t.byAddr[addr] = src
	}
	return src
}

// sourceConns holds the idle connections to one remote source address. At
// most max connections are kept idle; extra ones are closed on return.
type sourceConns struct {
	addr string
	max  int
	dial []grpc.DialOption

	mu     sync.Mutex
	idle   []*grpc.ClientConn
	closed bool
}

func (s *sourceConns) take(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, qerrors.RuntimeDataf("connections to %s closed", s.addr)
	}
	if n := len(s.idle); n > 0 {
		cc := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return cc, nil
	}
	s.mu.Unlock()
	logging.FromContext(ctx).Debug("dialing remote source", "endpoint", endpoint, "addr", s.addr)
	return grpc.DialContext(ctx, s.addr, s.dial...)
}

// giveBack returns cc to the idle list, or closes it when broken, when the
// list is full or after the transport was closed.
func (s *sourceConns) giveBack(cc *grpc.ClientConn, broken bool) {
	s.mu.Lock()
	if !broken && !s.closed && len(s.idle) < s.max {
		s.idle = append(s.idle, cc)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = cc.Close()
}

func (s *sourceConns) idleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle)
}

// close closes the idle connections and returns how many there were.
func (s *sourceConns) close() int {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.closed = true
	s.mu.Unlock()
	for _, cc := range idle {
		_ = cc.Close()
	}
	return len(idle)
}
