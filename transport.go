package centrifuge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// transportConfig configures a single transport session.
type transportConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	FrameBufferSize  int
}

// transport owns one WebSocket connection. It delivers raw frames in server
// send order through Frames and signals closure through Errors. A transport
// is single-use: reconnecting means creating a new one.
type transport struct {
	cfg    transportConfig
	logger *slog.Logger

	conn *websocket.Conn

	frames chan []byte
	errs   chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

func newTransport(cfg transportConfig, logger *slog.Logger) *transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &transport{
		cfg:    cfg,
		logger: logger,
		frames: make(chan []byte, cfg.FrameBufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop.
func (t *transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrConnectionLost
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return &ConnectError{Err: err}
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	go t.readLoop()

	t.logger.Debug("websocket connected", "url", t.cfg.URL)

	return nil
}

// Close closes the connection. It is idempotent.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	close(t.done)

	if t.conn != nil {
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return t.conn.Close()
	}

	return nil
}

// Send writes one frame to the connection.
func (t *transport) Send(data []byte) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return ErrConnectionLost
	}
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the incoming frame channel.
func (t *transport) Frames() <-chan []byte {
	return t.frames
}

// Errors returns the connection error channel.
func (t *transport) Errors() <-chan error {
	return t.errs
}

// IsConnected returns the current connection state.
func (t *transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// readLoop reads frames from the WebSocket and forwards them in order.
func (t *transport) readLoop() {
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
	}()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-t.done:
			default:
				select {
				case t.errs <- err:
				default:
				}
			}
			return
		}

		// Block rather than drop: frame order is a protocol guarantee.
		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}
