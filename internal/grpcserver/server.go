package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mosaicstack/internal/orchestrator"
	"mosaicstack/internal/storage"
)

const serviceName = "mosaicstack.StackStatus"

// StackStatusService answers run status queries over gRPC. Messages are
// well-known protobuf types so no generated code is needed.
type StackStatusService interface {
	GetRun(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	ListRuns(ctx context.Context, limit *wrapperspb.Int32Value) (*structpb.Struct, error)
	ListUnits(ctx context.Context, filter *structpb.Struct) (*structpb.Struct, error)
	WatchRun(id *wrapperspb.StringValue, stream grpc.ServerStream) error
}

// ServiceDesc describes the StackStatus service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StackStatusService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRun", Handler: getRunHandler},
		{MethodName: "ListRuns", Handler: listRunsHandler},
		{MethodName: "ListUnits", Handler: listUnitsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRun", Handler: watchRunHandler, ServerStreams: true},
	},
	Metadata: "mosaicstack/status",
}

func getRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackStatusService).GetRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRun"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackStatusService).GetRun(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listRunsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackStatusService).ListRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListRuns"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackStatusService).ListRuns(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func listUnitsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackStatusService).ListUnits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListUnits"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackStatusService).ListUnits(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchRunHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StackStatusService).WatchRun(in, stream)
}

// StatusServer implements StackStatusService over the run ledger.
type StatusServer struct {
	store *storage.Store
	hub   *orchestrator.Hub
	log   *slog.Logger
}

func NewStatusServer(store *storage.Store, hub *orchestrator.Hub, log *slog.Logger) *StatusServer {
	if log == nil {
		log = slog.Default()
	}
	return &StatusServer{store: store, hub: hub, log: log}
}

// Register adds the service to s.
func (s *StatusServer) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Start serves on addr until ctx is cancelled.
func (s *StatusServer) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := grpc.NewServer()
	s.Register(g)
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.log.Info("gRPC status server starting", "addr", addr)
	if err := g.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *StatusServer) GetRun(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error) {
	rec, err := s.store.Run(id.GetValue())
	if errors.Is(err, storage.ErrRunNotFound) {
		return nil, status.Errorf(codes.NotFound, "run %s not found", id.GetValue())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	units := map[string]any{}
	for _, kind := range []string{storage.KindWarpMeasure, storage.KindTileExec} {
		counts, err := s.store.Counts(rec.ID, kind)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		units[kind] = counts
	}
	return toStruct(map[string]any{"run": rec, "units": units})
}

func (s *StatusServer) ListRuns(ctx context.Context, limit *wrapperspb.Int32Value) (*structpb.Struct, error) {
	n := int(limit.GetValue())
	if n <= 0 {
		n = 20
	}
	recs, err := s.store.RecentRuns(n)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"runs": recs})
}

func (s *StatusServer) ListUnits(ctx context.Context, filter *structpb.Struct) (*structpb.Struct, error) {
	f := filter.GetFields()
	runID := f["run_id"].GetStringValue()
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	units, err := s.store.Units(runID, f["kind"].GetStringValue(), f["status"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"units": units})
}

// WatchRun streams the events of one run until it reaches a terminal state.
func (s *StatusServer) WatchRun(id *wrapperspb.StringValue, stream grpc.ServerStream) error {
	if s.hub == nil {
		return status.Error(codes.Unavailable, "no run in progress in this process")
	}
	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.RunID != id.GetValue() {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if ev.Type == orchestrator.EventPhase && ev.State.IsTerminal() {
				return nil
			}
		}
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}
