package grpctp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/queryid"
	"github.com/hanpama/planexec/internal/storage"
)

// serve starts src on an in-memory listener and returns a transport that
// routes every endpoint to it.
func serve(t *testing.T, src executor.RemoteSource, opts ...Option) *Transport {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, src)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts = append([]Option{
		WithProvider(NewStaticEndpoints(map[string][]string{"*": {"bufnet"}})),
		WithDialOptions(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(dialer),
		),
	}, opts...)
	tr := New(opts...)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestFetchPageRoundTrip(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{
		"shard-a": {"a", int64(2), true, map[string]any{"k": "v"}, nil},
	})
	tr := serve(t, mock)
	ctx := context.Background()

	first, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "shard-a", Offset: 0, AtMost: 3})
	require.NoError(t, err)
	require.False(t, first.Done)
	if diff := cmp.Diff([]any{"a", float64(2), true}, first.Values); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}

	second, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "shard-a", Offset: 3, AtMost: 3})
	require.NoError(t, err)
	require.True(t, second.Done)
	if diff := cmp.Diff([]any{map[string]any{"k": "v"}, nil}, second.Values); diff != "" {
		t.Fatalf("second page mismatch (-want +got):\n%s", diff)
	}

	want := []executor.RemoteCall{
		{Endpoint: "shard-a", Offset: 0, AtMost: 3},
		{Endpoint: "shard-a", Offset: 3, AtMost: 3},
	}
	if diff := cmp.Diff(want, mock.GetCalls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchPageErrorKinds(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{"bad": {1}, "busy": {1}})
	mock.SetError("bad", qerrors.MalformedPlanf("broken"))
	mock.SetError("busy", qerrors.RuntimeDataf("disk full"))
	tr := serve(t, mock)
	ctx := context.Background()

	cases := map[string]qerrors.Kind{
		"missing": qerrors.KindNotFound,
		"bad":     qerrors.KindMalformedPlan,
		"busy":    qerrors.KindRuntimeData,
	}
	for endpoint, kind := range cases {
		_, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: endpoint, AtMost: 1})
		require.Error(t, err, endpoint)
		require.Equal(t, kind, qerrors.KindOf(err), "%s: %v", endpoint, err)
	}
}

func TestFetchPageCancelledIsKill(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{"shard-a": {1}})
	mock.Hold()
	t.Cleanup(mock.Release)
	tr := serve(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "shard-a", AtMost: 1})
	require.True(t, qerrors.IsKilled(err), "%v", err)
}

func TestFetchPageRPCTimeout(t *testing.T) {
	mock := executor.NewMockRemote(map[string][]any{"shard-a": {1}})
	mock.Hold()
	t.Cleanup(mock.Release)
	tr := serve(t, mock, WithRPCTimeout(20*time.Millisecond))

	_, err := tr.FetchPage(context.Background(), executor.RemoteRequest{Endpoint: "shard-a", AtMost: 1})
	require.Error(t, err)
	require.Equal(t, qerrors.KindRuntimeData, qerrors.KindOf(err))
}

type idRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *idRecorder) FetchPage(ctx context.Context, _ executor.RemoteRequest) (executor.RemoteResponse, error) {
	id, _ := queryid.FromContext(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return executor.RemoteResponse{Values: []any{}, Done: true}, nil
}

func TestFetchPagePropagatesQueryID(t *testing.T) {
	rec := &idRecorder{}
	tr := serve(t, rec)

	ctx := queryid.WithID(context.Background(), "q-7")
	_, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "x", AtMost: 1})
	require.NoError(t, err)
	_, err = tr.FetchPage(context.Background(), executor.RemoteRequest{Endpoint: "x", AtMost: 1})
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"q-7", ""}, rec.ids)
}

func TestFetchPageWithoutProvider(t *testing.T) {
	tr := New()
	_, err := tr.FetchPage(context.Background(), executor.RemoteRequest{Endpoint: "x", AtMost: 1})
	require.Equal(t, qerrors.KindNotFound, qerrors.KindOf(err))
}

func TestClosedTransport(t *testing.T) {
	tr := serve(t, executor.NewMockRemote(map[string][]any{"x": {1}}))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.FetchPage(context.Background(), executor.RemoteRequest{Endpoint: "x", AtMost: 1})
	require.Error(t, err)
}

func TestIdleConnectionsPerAddress(t *testing.T) {
	tr := serve(t, executor.NewMockRemote(map[string][]any{"x": {1, 2, 3}}), WithMaxConnsPerEndpoint(1))
	ctx := context.Background()

	for off := 0; off < 3; off++ {
		_, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "x", Offset: off, AtMost: 1})
		require.NoError(t, err)
	}
	src := tr.source("bufnet")
	require.Equal(t, 1, src.idleCount())

	tr.mu.RLock()
	require.Len(t, tr.byAddr, 1)
	tr.mu.RUnlock()

	require.NoError(t, tr.Close())
	require.Equal(t, 0, src.idleCount())
	tr.mu.RLock()
	require.Empty(t, tr.byAddr)
	tr.mu.RUnlock()
}

func TestReturnedConnectionAfterClose(t *testing.T) {
	tr := serve(t, executor.NewMockRemote(map[string][]any{"x": {1}}))
	src := tr.source("bufnet")
	cc, err := src.take(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	src.giveBack(cc, false)
	require.Equal(t, 0, src.idleCount())
	_, err = src.take(context.Background(), "x")
	require.Equal(t, qerrors.KindRuntimeData, qerrors.KindOf(err))
}

func TestBrokenConnectionIsDropped(t *testing.T) {
	tr := serve(t, executor.NewMockRemote(map[string][]any{"x": {1}}))
	src := tr.source("bufnet")
	cc, err := src.take(context.Background(), "x")
	require.NoError(t, err)

	src.giveBack(cc, true)
	require.Equal(t, 0, src.idleCount())
}

func TestStoreSourcePages(t *testing.T) {
	s := storage.NewMemoryStore()
	s.AddCollection("users",
		storage.Document{"name": "ann"},
		storage.Document{"name": "bob"},
		storage.Document{"name": "cid"},
	)
	tr := serve(t, StoreSource{Snapshot: s})
	ctx := context.Background()

	page, err := tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "users", Offset: 1, AtMost: 1})
	require.NoError(t, err)
	require.False(t, page.Done)
	if diff := cmp.Diff([]any{map[string]any{"name": "bob"}}, page.Values); diff != "" {
		t.Fatalf("page mismatch (-want +got):\n%s", diff)
	}

	page, err = tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "users", Offset: 2, AtMost: 5})
	require.NoError(t, err)
	require.True(t, page.Done)
	require.Len(t, page.Values, 1)

	_, err = tr.FetchPage(ctx, executor.RemoteRequest{Endpoint: "ghosts", AtMost: 1})
	require.Equal(t, qerrors.KindNotFound, qerrors.KindOf(err))
}

func TestParseStaticEndpoints(t *testing.T) {
	p, err := ParseStaticEndpoints([]string{"a=h1:1", "a=h2:2", "*=h3:3"})
	require.NoError(t, err)

	got, err := p.Endpoints(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, []string{"h1:1", "h2:2"}, got)

	got, err = p.Endpoints(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, []string{"h3:3"}, got)

	_, err = ParseStaticEndpoints([]string{"novalue"})
	require.Error(t, err)

	empty := NewStaticEndpoints(nil)
	_, err = empty.Endpoints(context.Background(), "a")
	require.Equal(t, qerrors.KindNotFound, qerrors.KindOf(err))
}
