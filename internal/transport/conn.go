package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Conn is one established duplex text channel.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to a realtime endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps a single frame; zero keeps the library default.
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// URLFor builds the realtime endpoint for host. An https host maps to wss,
// anything else to ws.
func URLFor(host, apiKey string) string {
	h := strings.TrimSpace(host)
	scheme := "ws"
	switch {
	case strings.HasPrefix(h, "https://"):
		scheme = "wss"
		h = strings.TrimPrefix(h, "https://")
	case strings.HasPrefix(h, "http://"):
		h = strings.TrimPrefix(h, "http://")
	}
	h = strings.TrimRight(h, "/")
	return scheme + "://" + h + "/ws?token=" + url.QueryEscape(apiKey)
}
