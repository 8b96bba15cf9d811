package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/walletbridge/internal/event"
	"github.com/ppiankov/walletbridge/internal/origin"
)

const (
	serviceName     = "walletbridge.backend.v1.Backend"
	executeMethod   = "/" + serviceName + "/Execute"
	subscribeMethod = "/" + serviceName + "/Subscribe"

	// MetadataOrigin carries the caller origin alongside the request body.
	MetadataOrigin = "x-wallet-origin"
	// MetadataRequestID carries the bridge request id.
	MetadataRequestID = "x-wallet-request-id"

	subscribeBuffer = 64
)

// Client is a Gateway backed by a gRPC connection to the wallet backend.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the backend at addr. The connection is
// instrumented with OpenTelemetry and uses plaintext unless opts override it.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet backend: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Execute implements Gateway. Transport failures become CodeInternal faults
// wrapping the gRPC error.
func (c *Client) Execute(ctx context.Context, method string, params json.RawMessage, cc CallContext) (json.RawMessage, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataOrigin, string(cc.Origin),
		MetadataRequestID, string(cc.RequestID),
	)
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeMethod, encodeRequest(method, params, cc), out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, AsFault(ctxErr)
		}
		return nil, wrapFault(err, "wallet backend unavailable")
	}
	return decodeResult(out)
}

// Subscribe opens the backend notification stream.
func (c *Client) Subscribe(ctx context.Context) (event.Source, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open notification stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("open notification stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("open notification stream: %w", err)
	}
	return event.SourceFunc(func(context.Context) (event.Event, error) {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			return nil, err
		}
		return decodeEvent(msg)
	}), nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type backendService interface {
	execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	subscribe(in *structpb.Struct, stream grpc.ServerStream) error
}

type backendServer struct {
	backend Backend
	logger  *log.Logger
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backendService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "walletbridge/backend/v1/backend.proto",
}

// RegisterBackend exposes b on the gRPC server r.
func RegisterBackend(r grpc.ServiceRegistrar, b Backend) {
	r.RegisterService(&serviceDesc, &backendServer{
		backend: b,
		logger:  log.New(os.Stderr, "gateway: ", log.LstdFlags),
	})
}

// NewServer returns a gRPC server instrumented with OpenTelemetry.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	return grpc.NewServer(append(base, opts...)...)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(backendService).execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(backendService).execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return srv.(backendService).subscribe(in, stream)
}

// execute decodes the call and checks that the origin in metadata matches
// the one in the body before handing it to the backend. Faults travel
// in-band; only a malformed envelope is a gRPC error.
func (s *backendServer) execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	method, params, cc, err := decodeRequest(in)
	if err != nil {
		return encodeResult(nil, err), nil
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(MetadataOrigin); len(vals) > 0 && origin.Origin(vals[0]) != cc.Origin {
			return encodeResult(nil, NewFault(CodeUnauthorized, "origin mismatch")), nil
		}
	}
	result, err := s.backend.Execute(ctx, method, params, cc)
	return encodeResult(result, err), nil
}

func (s *backendServer) subscribe(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	ch := make(chan event.Event, subscribeBuffer)
	cancel := s.backend.Subscribe(func(ev event.Event) {
		select {
		case ch <- ev:
		default:
			s.logger.Printf("subscriber too slow, dropping %s", ev.Kind())
		}
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev := <-ch:
			msg, err := encodeEvent(ev)
			if err != nil {
				s.logger.Printf("%v", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return status.Errorf(codes.Unavailable, "send notification: %v", err)
			}
		}
	}
}
