package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// written is one frame captured by mockConnection.
type written struct {
	messageType int
	data        []byte
}

// mockConnection implements wsConnection. Frames pushed with deliver are
// returned by ReadMessage; serverClose ends the read loop with a close code.
type mockConnection struct {
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	closeErr error
	writes   []written
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		inbound: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.closed:
		m.mu.Lock()
		defer m.mu.Unlock()
		return 0, nil, m.closeErr
	}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	m.writes = append(m.writes, written{messageType, append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) Close() error {
	m.terminate(net.ErrClosed)
	return nil
}

func (m *mockConnection) SetWriteDeadline(time.Time) error {
	return nil
}

func (m *mockConnection) terminate(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.closeErr = err
		m.mu.Unlock()
		close(m.closed)
	})
}

// serverClose simulates the peer closing the socket with code.
func (m *mockConnection) serverClose(code int) {
	m.terminate(&websocket.CloseError{Code: code})
}

// drop simulates a network failure without a close frame.
func (m *mockConnection) drop() {
	m.terminate(errors.New("connection reset by peer"))
}

func (m *mockConnection) deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m.inbound <- data
}

func (m *mockConnection) deliverRaw(s string) {
	m.inbound <- []byte(s)
}

// textFrames returns the decoded text frames written so far.
func (m *mockConnection) textFrames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, w := range m.writes {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var f map[string]any
		if json.Unmarshal(w.data, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

// closeCodeSent returns the close code written, or 0.
func (m *mockConnection) closeCodeSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.writes {
		if w.messageType == websocket.CloseMessage && len(w.data) >= 2 {
			return int(w.data[0])<<8 | int(w.data[1])
		}
	}
	return 0
}

// mockDialer hands out scripted connections.
type mockDialer struct {
	mu      sync.Mutex
	urls    []string
	conns   []*mockConnection
	failAll bool
	// hold, when set, blocks Dial until it is closed. ignoreCtx keeps the
	// dial blocked even after cancellation, like a handshake racing unmount.
	hold      chan struct{}
	ignoreCtx bool
}

func (d *mockDialer) Dial(ctx context.Context, url string) (wsConnection, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	hold, ignoreCtx, fail := d.hold, d.ignoreCtx, d.failAll
	d.mu.Unlock()

	if hold != nil {
		if ignoreCtx {
			<-hold
		} else {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if fail {
		return nil, errors.New("dial tcp: connection refused")
	}

	conn := newMockConnection()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *mockDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *mockDialer) last() *mockConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *mockDialer) setFailAll(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

// staticTokens always returns the same token.
type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// mockLimiter allows a fixed number of sends.
type mockLimiter struct {
	mu        sync.Mutex
	remaining int
	err       error
}

func (l *mockLimiter) Allow(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.remaining <= 0 {
		return false, nil
	}
	l.remaining--
	return true, nil
}
