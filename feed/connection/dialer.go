package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the subset of *websocket.Conn the manager drives
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens sockets. Implementations must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, url string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Socket, error) {
	return f(ctx, url)
}

// WebSocketDialer dials with gorilla/websocket
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial performs the actual WebSocket connection
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	return conn, nil
}
