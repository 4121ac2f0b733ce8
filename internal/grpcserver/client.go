package grpcserver

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client queries a remote StackStatus service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Extra options are appended to the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) GetRun(ctx context.Context, id string) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/GetRun", wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ListRuns", wrapperspb.Int32(int32(limit)), out); err != nil {
		return nil, err
	}
	runs, _ := out.AsMap()["runs"].([]any)
	return runs, nil
}

func (c *Client) ListUnits(ctx context.Context, runID, kind, status string) ([]any, error) {
	filter, err := structpb.NewStruct(map[string]any{"run_id": runID, "kind": kind, "status": status})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ListUnits", filter, out); err != nil {
		return nil, err
	}
	units, _ := out.AsMap()["units"].([]any)
	return units, nil
}

// WatchRun calls fn for every event of the run until the run ends, the
// server closes the stream, or ctx is cancelled.
func (c *Client) WatchRun(ctx context.Context, id string, fn func(map[string]any)) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/WatchRun")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.String(id)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(structpb.Struct)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(ev.AsMap())
	}
}
