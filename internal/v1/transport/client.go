package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// Dialer opens the session socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (wsConnection, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string) (wsConnection, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// closeCodeOf extracts the close code a read error carries. Errors without
// a close frame are abnormal closures.
func closeCodeOf(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// client owns one socket: a read goroutine feeding onFrame and a write
// goroutine draining send.
type client struct {
	conn      wsConnection
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	writeWait time.Duration
}

func newClient(conn wsConnection, buffer int, writeWait time.Duration) *client {
	return &client{
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
	}
}

// enqueue hands data to the write goroutine without blocking.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown stops the writer. A non-zero code is sent as a close frame after
// the queued frames are flushed.
func (c *client) shutdown(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// readPump delivers every inbound text frame to onFrame and reports the close
// code once the socket fails.
func (c *client) readPump(onFrame func([]byte), onClose func(code int)) {
	defer c.conn.Close()
	defer metrics.DecConnection()
	metrics.IncConnection()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			onClose(closeCodeOf(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onFrame(data)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message", zap.Error(err))
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != 0 {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, ""))
			}
			return
		}
	}
}

// flush writes whatever was queued before shutdown.
func (c *client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(messageType, data)
}
