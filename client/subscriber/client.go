package subscriber

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/marketfeed/feed/server"
	"github.com/linluma/marketfeed/shared/logging"
)

var watchDesc = &grpc.StreamDesc{StreamName: "WatchOrderBook", ServerStreams: true}

// Client handles the gRPC connection to the feed service
type Client struct {
	serverAddress string
	dialOpts      []grpc.DialOption
	conn          *grpc.ClientConn
	log           *logging.Entry
}

// NewClient creates a client for serverAddress. Extra dial options are appended
// after the default insecure transport credentials.
func NewClient(serverAddress string, opts ...grpc.DialOption) *Client {
	return &Client{
		serverAddress: serverAddress,
		dialOpts:      append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		log:           logging.GetLogger().WithComponent("subscriber"),
	}
}

// Connect creates the underlying channel; the first RPC does the actual dial
func (c *Client) Connect() error {
	conn, err := grpc.NewClient(c.serverAddress, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// OrderBook fetches the current book, limited to depth levels per side when depth > 0
func (c *Client) OrderBook(ctx context.Context, depth int) (map[string]interface{}, error) {
	req, err := structpb.NewStruct(depthRequest(depth, 0))
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, server.MethodGetOrderBook, req)
}

// Statistics fetches the last published trade statistics
func (c *Client) Statistics(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, server.MethodGetTradeStatistics, &structpb.Struct{})
}

// Connection fetches the upstream connection state
func (c *Client) Connection(ctx context.Context) (map[string]interface{}, error) {
	return c.invoke(ctx, server.MethodGetConnection, &structpb.Struct{})
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (map[string]interface{}, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("client is not connected")
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return resp.AsMap(), nil
}

// Watch streams order book snapshots every interval until ctx is done or the
// server ends the stream. The returned channel is closed when the stream ends.
func (c *Client) Watch(ctx context.Context, interval time.Duration, depth int) (<-chan map[string]interface{}, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("client is not connected")
	}
	req, err := structpb.NewStruct(depthRequest(depth, interval))
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(ctx, watchDesc, server.MethodWatchOrderBook)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}

	bookCh := make(chan map[string]interface{})
	go func() {
		defer close(bookCh)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.log.WithError(err).Warn("watch stream ended")
				}
				return
			}
			select {
			case bookCh <- msg.AsMap():
			case <-ctx.Done():
				return
			}
		}
	}()
	return bookCh, nil
}

func depthRequest(depth int, interval time.Duration) map[string]interface{} {
	req := map[string]interface{}{}
	if depth > 0 {
		req["depth"] = depth
	}
	if interval > 0 {
		req["interval_ms"] = interval.Milliseconds()
	}
	return req
}
