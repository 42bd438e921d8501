package otel

import (
	"context"
	"fmt"
	"sync"

	eventbus "github.com/hanpama/planexec/internal/eventbus"
	events "github.com/hanpama/planexec/internal/events"
	queryid "github.com/hanpama/planexec/internal/queryid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("planexec")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer      trace.Tracer
	httpSpans   sync.Map // qid -> trace.Span
	querySpans  sync.Map // qid/shard -> trace.Span
	remoteSpans sync.Map // qid/endpoint/offset -> trace.Span
}

func queryKey(qid, shard string) string { return qid + "/" + shard }

func remoteKey(qid, endpoint string, offset int) string {
	return fmt.Sprintf("%s/%s/%d", qid, endpoint, offset)
}

func (s *subscriber) parent(ctx context.Context, lookup func() (any, bool)) context.Context {
	if v, ok := lookup(); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		qid, _ := queryid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
			attribute.String("http.route", e.Route),
		)
		s.httpSpans.Store(qid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		qid, _ := queryid.FromContext(ctx)
		v, ok := s.httpSpans.LoadAndDelete(qid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.QueryStart) {
		parent := s.parent(ctx, func() (any, bool) { return s.httpSpans.Load(e.QueryID) })
		_, span := s.tracer.Start(parent, "query.execute")
		span.SetAttributes(
			attribute.String("query.id", e.QueryID),
			attribute.String("query.shard", e.Shard),
			attribute.Int("query.nodes", e.Nodes),
		)
		s.querySpans.Store(queryKey(e.QueryID, e.Shard), span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BlockWaiting) {
		v, ok := s.querySpans.Load(queryKey(e.QueryID, e.Shard))
		if !ok {
			return
		}
		v.(trace.Span).AddEvent("waiting", trace.WithAttributes(attribute.Int("node.id", e.NodeID)))
	})

	eventbus.Subscribe(func(ctx context.Context, e events.QueryFinish) {
		v, ok := s.querySpans.LoadAndDelete(queryKey(e.QueryID, e.Shard))
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("query.rows", e.Rows),
			attribute.Int64("query.scanned", e.Scanned),
			attribute.Int64("query.filtered", e.Filtered),
			attribute.Int64("query.waits", e.Waits),
		)
		end(span, e.Err)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.RemoteFetchStart) {
		qid, _ := queryid.FromContext(ctx)
		parent := s.parent(ctx, func() (any, bool) { return s.httpSpans.Load(qid) })
		_, span := s.tracer.Start(parent, "remote.fetch")
		span.SetAttributes(
			attribute.String("remote.endpoint", e.Endpoint),
			attribute.Int("remote.offset", e.Offset),
			attribute.Int("remote.at_most", e.AtMost),
		)
		s.remoteSpans.Store(remoteKey(qid, e.Endpoint, e.Offset), span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.RemoteFetchFinish) {
		qid, _ := queryid.FromContext(ctx)
		v, ok := s.remoteSpans.LoadAndDelete(remoteKey(qid, e.Endpoint, e.Offset))
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			attribute.Int("remote.values", e.Values),
			attribute.String("grpc.code", e.Code.String()),
		)
		end(span, e.Err)
	})
}
