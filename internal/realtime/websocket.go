package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence between frames. The server heartbeats
	// well within it, so hitting it means the connection is dead.
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns transport defaults for url.
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxMessageSize:   64 * 1024,
	}
}

// WebSocketDialer is a Transport over gorilla/websocket.
type WebSocketDialer struct {
	config WebSocketConfig
	dialer websocket.Dialer
}

// NewWebSocketDialer creates a dialer for cfg.
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebSocketDialer{
		config: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial implements Transport.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	if d.config.URL == "" {
		return nil, errors.New("push url is not configured")
	}

	header := http.Header{}
	if d.config.APIKey != "" {
		header.Set("x-api-key", d.config.APIKey)
	}

	conn, _, err := d.dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		return nil, err
	}
	if d.config.MaxMessageSize > 0 {
		conn.SetReadLimit(d.config.MaxMessageSize)
	}
	return &wsConn{conn: conn, readTimeout: d.config.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func (c *wsConn) Read() ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
