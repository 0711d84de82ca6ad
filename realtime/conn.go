// Package realtime is a websocket connection handle that authenticates with
// the session's access token and satisfies tokenkeeper.RealtimeConn, so that
// teardown closes it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panyam/tokenkeeper"
)

// closeGrace bounds how long Disconnect waits to send the close frame and
// for the reader goroutine to exit
const closeGrace = time.Second

// ErrNotConnected is returned by Send on a closed connection
var ErrNotConnected = errors.New("realtime: not connected")

var _ tokenkeeper.RealtimeConn = (*Conn)(nil)

// Conn is a websocket connection. Incoming messages are delivered to the
// handler passed to Dial from a single reader goroutine.
type Conn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed chan struct{}

	// dispatching is set while the reader goroutine runs the message handler
	dispatching atomic.Bool
}

// Dial connects to url with "Authorization: Bearer <token>". onMessage may be nil.
func Dial(ctx context.Context, url, token string, onMessage func([]byte)) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial %s: %w", url, err)
	}

	c := &Conn{ws: ws, closed: make(chan struct{})}
	go c.readLoop(onMessage)
	return c, nil
}

// Connected implements tokenkeeper.RealtimeConn
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send writes a text message
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Disconnect implements tokenkeeper.RealtimeConn. It sends a normal closure
// frame and closes the socket; calling it again is a no-op. It waits up to
// closeGrace for the reader goroutine to exit, and not at all while the
// message handler is running, since the handler itself may be the caller.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logged out")
	writeErr := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	closeErr := ws.Close()
	if !c.dispatching.Load() {
		select {
		case <-c.closed:
		case <-time.After(closeGrace):
		}
	}

	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return closeErr
}

// Done is closed once the reader goroutine exits
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) readLoop(onMessage func([]byte)) {
	defer close(c.closed)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
				ws.Close()
			}
			c.mu.Unlock()
			return
		}
		if onMessage != nil {
			c.dispatching.Store(true)
			onMessage(data)
			c.dispatching.Store(false)
		}
	}
}
