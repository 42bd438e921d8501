package otel

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/events"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/queryid"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "planexec")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSubscriberSpans(t *testing.T) {
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	sub := &subscriber{tracer: tp.Tracer("test")}
	sub.register()

	ctx := queryid.WithID(context.Background(), "q-1")
	req := httptest.NewRequest("POST", "/execute", nil)
	eventbus.Publish(ctx, events.HTTPStart{Request: req, Route: "/execute"})
	eventbus.Publish(ctx, events.QueryStart{QueryID: "q-1", Nodes: 3, Shard: "s1"})
	eventbus.Publish(ctx, events.RemoteFetchStart{Endpoint: "shard-a", AtMost: 10})
	eventbus.Publish(ctx, events.RemoteFetchFinish{Endpoint: "shard-a", Values: 4})
	eventbus.Publish(ctx, events.BlockWaiting{QueryID: "q-1", Shard: "s1", NodeID: 2})
	eventbus.Publish(ctx, events.QueryFinish{QueryID: "q-1", Shard: "s1", Err: qerrors.Killedf("stop")})
	eventbus.Publish(ctx, events.HTTPFinish{Request: req, Route: "/execute", Status: 499})

	ended := rec.Ended()
	require.Len(t, ended, 3)
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range ended {
		byName[s.Name()] = s
	}
	http, query, remote := byName["http.request"], byName["query.execute"], byName["remote.fetch"]
	require.NotNil(t, http)
	require.NotNil(t, query)
	require.NotNil(t, remote)

	require.Equal(t, http.SpanContext().SpanID(), query.Parent().SpanID())
	require.Equal(t, http.SpanContext().SpanID(), remote.Parent().SpanID())
	require.Equal(t, codes.Error, query.Status().Code)
	require.Len(t, query.Events(), 2) // waiting + recorded error
}
