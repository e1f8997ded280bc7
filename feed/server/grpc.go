package server

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/stream"
	"github.com/linluma/marketfeed/shared/logging"
	"github.com/linluma/marketfeed/shared/models"
)

// Fully qualified method names for clients
const (
	ServiceName              = "marketfeed.v1.MarketFeed"
	MethodGetOrderBook       = "/" + ServiceName + "/GetOrderBook"
	MethodGetTradeStatistics = "/" + ServiceName + "/GetTradeStatistics"
	MethodGetConnection      = "/" + ServiceName + "/GetConnection"
	MethodWatchOrderBook     = "/" + ServiceName + "/WatchOrderBook"
)

const (
	defaultWatchInterval = time.Second
	minWatchInterval     = 50 * time.Millisecond
)

// Source is the synchronized view served over gRPC
type Source interface {
	Symbol() string
	Connection() models.Connection
	Subscriptions() []models.Subscription
	Book() *orderbook.Book
	Stats() models.TradeStatistics
	AddStatusListener(fn stream.StatusListener)
}

// MarketFeedServer is the service contract behind ServiceDesc
type MarketFeedServer interface {
	GetOrderBook(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTradeStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConnection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchOrderBook(*structpb.Struct, grpc.ServerStream) error
}

// FeedServer serves a Source over gRPC and reports upstream health
type FeedServer struct {
	source Source
	clock  clock.Clock
	health *health.Server
	log    *logging.Entry
}

// NewFeedServer creates a server for source. Health is NOT_SERVING until the upstream connects.
func NewFeedServer(source Source, clk clock.Clock) *FeedServer {
	if clk == nil {
		clk = clock.New()
	}
	s := &FeedServer{
		source: source,
		clock:  clk,
		health: health.NewServer(),
		log:    logging.GetLogger().WithComponent("grpc"),
	}
	s.setHealth(source.Connection().Status)
	source.AddStatusListener(func(st models.Status, _ error) { s.setHealth(st) })
	return s
}

// Register attaches the feed and health services to gs
func (s *FeedServer) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// Shutdown marks every service NOT_SERVING ahead of GracefulStop
func (s *FeedServer) Shutdown() {
	s.health.Shutdown()
}

func (s *FeedServer) setHealth(st models.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == models.StatusConnected {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, serving)
	s.health.SetServingStatus("", serving)
}

// GetOrderBook returns the current book. An optional "depth" field limits levels per side.
func (s *FeedServer) GetOrderBook(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return bookStruct(s.source.Book(), depthFrom(req))
}

// GetTradeStatistics returns the last published statistics
func (s *FeedServer) GetTradeStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return statsStruct(s.source.Symbol(), s.source.Stats())
}

// GetConnection returns the upstream connection state and subscriptions
func (s *FeedServer) GetConnection(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return connectionStruct(s.source.Connection(), s.source.Subscriptions())
}

// WatchOrderBook pushes a book snapshot immediately and then every "interval_ms" until the client leaves
func (s *FeedServer) WatchOrderBook(req *structpb.Struct, ss grpc.ServerStream) error {
	interval := defaultWatchInterval
	if v, ok := req.GetFields()["interval_ms"]; ok {
		ms := v.GetNumberValue()
		if ms < 0 {
			return status.Errorf(codes.InvalidArgument, "interval_ms must not be negative: %v", ms)
		}
		if ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	if interval < minWatchInterval {
		interval = minWatchInterval
	}
	depth := depthFrom(req)

	ctx := ss.Context()
	s.log.WithFields(logging.Fields{"interval": interval.String()}).Info("order book watcher attached")
	defer s.log.Info("order book watcher detached")

	send := func() error {
		msg, err := bookStruct(s.source.Book(), depth)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to encode order book: %v", err)
		}
		return ss.SendMsg(msg)
	}

	if err := send(); err != nil {
		return err
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func depthFrom(req *structpb.Struct) int {
	if v, ok := req.GetFields()["depth"]; ok && v.GetNumberValue() > 0 {
		return int(v.GetNumberValue())
	}
	return 0
}

func getOrderBookHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketFeedServer).GetOrderBook(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetOrderBook}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketFeedServer).GetOrderBook(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getTradeStatisticsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketFeedServer).GetTradeStatistics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetTradeStatistics}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketFeedServer).GetTradeStatistics(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getConnectionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketFeedServer).GetConnection(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetConnection}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketFeedServer).GetConnection(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchOrderBookHandler(srv interface{}, ss grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := ss.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MarketFeedServer).WatchOrderBook(in, ss)
}

// ServiceDesc describes marketfeed.v1.MarketFeed; every message is a google.protobuf.Struct
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketFeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrderBook", Handler: getOrderBookHandler},
		{MethodName: "GetTradeStatistics", Handler: getTradeStatisticsHandler},
		{MethodName: "GetConnection", Handler: getConnectionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchOrderBook",
			Handler:       watchOrderBookHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marketfeed/v1/marketfeed.proto",
}
