package httpserver

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"go-live-preview/internal/contracts"

	"github.com/gorilla/websocket"
)

// Client is the surface end of the websocket.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to the preview server at base, an http(s) or ws(s) URL.
func Dial(ctx context.Context, base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Send encodes msg for the orchestrator and writes it.
func (c *Client) Send(msg contracts.Message) error {
	raw, err := contracts.Encode(contracts.ToOrchestrator, msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run passes every inbound frame to handle until the connection closes.
func (c *Client) Run(handle func(raw []byte)) error {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(raw)
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
