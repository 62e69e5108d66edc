package socket

import (
	"context"

	"github.com/coder/websocket"
)

// Transport is one established socket to the backend.
type Transport interface {
	// Read blocks until the next raw frame arrives.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one raw frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the socket.
	Close() error
}

// Dialer establishes transports. The production implementation dials a
// websocket; tests substitute an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials real websocket transports.
type WebSocketDialer struct{}

// Dial opens a websocket connection to url.
func (WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client closed")
}
