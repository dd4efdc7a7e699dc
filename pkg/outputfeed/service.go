package outputfeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "cadence.OutputFeed"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

// SubscribeRequest selects which lines a subscriber receives.
type SubscribeRequest struct {
	// Program limits the stream to one program name. Empty means all.
	Program string `json:"program,omitempty"`

	// Replay sends the buffered history before live lines.
	Replay bool `json:"replay,omitempty"`
}

// feedServer is the service implementation registered with grpc.
type feedServer interface {
	serveSubscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*feedServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "outputfeed",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(feedServer).serveSubscribe(req, stream)
}

func (f *Feed) serveSubscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	s, backlog := f.subscribe(req.Program, req.Replay)
	defer f.unsubscribe(s)

	f.log.Debug().Str("subscriber", s.id).Str("program", req.Program).Bool("replay", req.Replay).Msg("feed subscriber connected")
	defer f.log.Debug().Str("subscriber", s.id).Msg("feed subscriber disconnected")

	for i := range backlog {
		if err := stream.SendMsg(&backlog[i]); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-s.ch:
			if !ok {
				return status.Error(codes.Unavailable, "feed closed")
			}
			if err := stream.SendMsg(&line); err != nil {
				return err
			}
		}
	}
}

// Server exposes a Feed over gRPC.
type Server struct {
	feed *Feed
	grpc *grpc.Server
}

// NewServer creates a gRPC server for feed.
func NewServer(feed *Feed, opts ...grpc.ServerOption) *Server {
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, feed)
	return &Server{feed: feed, grpc: gs}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.feed.log.Info().Str("addr", lis.Addr().String()).Msg("output feed listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop ends every subscription and stops the server.
func (s *Server) Stop() {
	s.feed.Close()
	s.grpc.GracefulStop()
}

// Client subscribes to a remote feed.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a feed at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})))

	//nolint:staticcheck // Dial is kept for compatibility with older gRPC versions
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Stream is an open subscription.
type Stream struct {
	stream grpc.ClientStream
}

// Subscribe opens a subscription.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (*Stream, error) {
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	cs, err := c.conn.NewStream(ctx, desc, subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	if err := cs.SendMsg(&req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream{stream: cs}, nil
}

// Recv returns the next line. It returns io.EOF when the server ends the
// stream cleanly.
func (s *Stream) Recv() (Line, error) {
	var line Line
	if err := s.stream.RecvMsg(&line); err != nil {
		if errors.Is(err, io.EOF) {
			return Line{}, io.EOF
		}
		return Line{}, err
	}
	return line, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
