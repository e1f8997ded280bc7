package subscriber

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/linluma/marketfeed/feed/orderbook"
	"github.com/linluma/marketfeed/feed/server"
	"github.com/linluma/marketfeed/feed/stream"
	"github.com/linluma/marketfeed/shared/models"
)

type staticSource struct {
	book *orderbook.Book
}

func (s *staticSource) Symbol() string { return s.book.Symbol() }
func (s *staticSource) Connection() models.Connection {
	return models.Connection{URL: "ws://feed.test", Status: models.StatusConnected}
}
func (s *staticSource) Subscriptions() []models.Subscription    { return nil }
func (s *staticSource) Book() *orderbook.Book                   { return s.book }
func (s *staticSource) AddStatusListener(stream.StatusListener) {}
func (s *staticSource) Stats() models.TradeStatistics {
	return models.TradeStatistics{TotalTrades: 2, LastPrice: decimal.NewFromInt(11)}
}

func level(price, qty int64) models.OrderBookEntry {
	return models.OrderBookEntry{Price: decimal.NewFromInt(price), Quantity: decimal.NewFromInt(qty)}
}

func connectedClient(t *testing.T) *Client {
	t.Helper()
	book := orderbook.NewBook("AKBNK", 20, nil)
	book.ApplyFullSnapshot("AKBNK",
		[]models.OrderBookEntry{level(100, 5), level(101, 3)},
		[]models.OrderBookEntry{level(102, 4), level(103, 1)},
	)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	server.NewFeedServer(&staticSource{book: book}, nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_UnaryCalls(t *testing.T) {
	c := connectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	book, err := c.OrderBook(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "101", book["best_bid"])
	assert.Len(t, book["asks"], 1)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11", stats["last_price"])

	conn, err := c.Connection(ctx)
	require.NoError(t, err)
	assert.Equal(t, "connected", conn["status"])
}

func TestClient_Watch(t *testing.T) {
	c := connectedClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	books, err := c.Watch(ctx, 50*time.Millisecond, 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		book, ok := <-books
		require.True(t, ok)
		assert.Equal(t, "AKBNK", book["symbol"])
		assert.Equal(t, "101.5", book["mid_price"])
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-books:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("localhost:0")

	_, err := c.Statistics(context.Background())
	assert.Error(t, err)
	_, err = c.Watch(context.Background(), time.Second, 0)
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
