package grpctp

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/queryid"
	"github.com/hanpama/planexec/internal/storage"
)

// The remote service has a single unary method whose request and response
// are google.protobuf.Struct messages:
//
//	request:  {"endpoint": string, "offset": number, "atMost": number}
//	response: {"values": list, "done": bool}
const (
	serviceName     = "planexec.Remote"
	fetchPageMethod = "/planexec.Remote/FetchPage"
	queryIDKey      = "x-planexec-query-id"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*executor.RemoteSource)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchPage", Handler: fetchPageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "planexec/remote",
}

// Register exposes src as the remote service on s.
func Register(s grpc.ServiceRegistrar, src executor.RemoteSource) {
	s.RegisterService(&serviceDesc, src)
}

func fetchPageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveFetch(ctx, srv.(executor.RemoteSource), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchPageMethod}
	return interceptor(ctx, in, info, handler)
}

func serveFetch(ctx context.Context, src executor.RemoteSource, in *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(queryIDKey); len(ids) > 0 {
			ctx = queryid.WithID(ctx, ids[0])
		}
	}
	req, err := decodeRequest(in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := src.FetchPage(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeResponse(resp)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func encodeRequest(req executor.RemoteRequest) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"endpoint": req.Endpoint,
		"offset":   req.Offset,
		"atMost":   req.AtMost,
	})
	if err != nil {
		return nil, qerrors.WrapMalformedPlan(err, "encode remote request")
	}
	return s, nil
}

func decodeRequest(s *structpb.Struct) (executor.RemoteRequest, error) {
	f := s.GetFields()
	endpoint := f["endpoint"].GetStringValue()
	if endpoint == "" {
		return executor.RemoteRequest{}, qerrors.MalformedPlanf("remote request without endpoint")
	}
	req := executor.RemoteRequest{
		Endpoint: endpoint,
		Offset:   int(f["offset"].GetNumberValue()),
		AtMost:   int(f["atMost"].GetNumberValue()),
	}
	if req.Offset < 0 || req.AtMost <= 0 {
		return executor.RemoteRequest{}, qerrors.MalformedPlanf("remote request for %s: offset %d, atMost %d", endpoint, req.Offset, req.AtMost)
	}
	return req, nil
}

func encodeResponse(resp executor.RemoteResponse) (*structpb.Struct, error) {
	vals := make([]*structpb.Value, len(resp.Values))
	for i, v := range resp.Values {
		pv, err := structpb.NewValue(v)
		if err != nil {
			return nil, qerrors.RuntimeDataf("value %d is not transferable: %v", i, err)
		}
		vals[i] = pv
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"values": structpb.NewListValue(&structpb.ListValue{Values: vals}),
		"done":   structpb.NewBoolValue(resp.Done),
	}}, nil
}

func decodeResponse(s *structpb.Struct) (executor.RemoteResponse, error) {
	f := s.GetFields()
	list := f["values"].GetListValue()
	if list == nil {
		return executor.RemoteResponse{}, qerrors.RuntimeDataf("remote response without values")
	}
	vals := make([]any, len(list.GetValues()))
	for i, v := range list.GetValues() {
		vals[i] = v.AsInterface()
	}
	return executor.RemoteResponse{Values: vals, Done: f["done"].GetBoolValue()}, nil
}

// StoreSource serves the documents of a snapshot. The endpoint names the
// collection; pages follow insertion order.
type StoreSource struct {
	Snapshot storage.Snapshot
}

var _ executor.RemoteSource = StoreSource{}

func (s StoreSource) FetchPage(ctx context.Context, req executor.RemoteRequest) (executor.RemoteResponse, error) {
	c, err := s.Snapshot.Collection(req.Endpoint)
	if err != nil {
		return executor.RemoteResponse{}, err
	}
	it := c.Iterator(false, 0)
	if _, err := it.Skip(ctx, req.Offset); err != nil {
		return executor.RemoteResponse{}, err
	}
	vals := make([]any, 0, req.AtMost)
	more, err := it.Next(ctx, req.AtMost, func(_ storage.LocalDocumentID, doc storage.Document) error {
		vals = append(vals, doc)
		return nil
	})
	if err != nil {
		return executor.RemoteResponse{}, err
	}
	return executor.RemoteResponse{Values: vals, Done: !more}, nil
}
