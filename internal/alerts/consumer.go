// Package alerts consumes the bias service's push alert channel.
//
// A Consumer owns one WebSocket connection and moves through
//
//	Disconnected -> Connecting -> Connected -> (Disconnected | Closed)
//
// Frames are JSON objects with a required "alert" string. Each decoded alert
// is stamped with an arrival sequence and time, stored as the latest alert
// and handed to every subscriber in arrival order. Frames without an alert
// are reported through the error callback and do not affect the connection.
//
// The consumer never reconnects on its own. A dropped connection produces
// exactly one ConnectionError and leaves the consumer Disconnected; calling
// Start again is the caller's decision. Stop is terminal.
//
// The state is already Disconnected when the ConnectionError reaches
// subscribers, so an error handler that calls State sees Disconnected and
// may call Start directly.
//
// Frames up to DefaultMaxFrameBytes are accepted unless SetMaxFrameBytes
// sets another cap. A frame over the cap is a transport failure.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
)

var log = logger.For("alerts")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrClosed is returned by Start after Stop.
	ErrClosed = errors.New("alert consumer is closed")
	// ErrAlreadyStarted is returned by Start while connecting or connected.
	ErrAlreadyStarted = errors.New("alert consumer already started")
)

// FrameError reports a frame that violates the alert contract.
type FrameError struct {
	Frame  string
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid frame: %s", e.Reason)
}

// Unwrap lets errors.Is match models.ErrInvalidFrame.
func (e *FrameError) Unwrap() error { return models.ErrInvalidFrame }

// ConnectionError reports a failed handshake or a dropped connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("alert stream connection: %v", e.Err)
}

// Is lets errors.Is match models.ErrConnection.
func (e *ConnectionError) Is(target error) bool { return target == models.ErrConnection }

// Unwrap exposes the transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// DefaultMaxFrameBytes is the read limit applied to each connection.
const DefaultMaxFrameBytes = 1 << 20

// Consumer manages the alert connection and its subscribers
type Consumer struct {
	url      string
	now      func() time.Time
	maxFrame int64

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
	latest *models.AlertEvent

	// deliverMu is held for the duration of each delivery; Stop takes it to
	// guarantee no callback is running or will run once it returns.
	deliverMu sync.Mutex

	subsMu  sync.Mutex
	subs    []*subscriber
	nextSub uint64
}

// NewConsumer creates a Disconnected consumer for the given ws:// or wss:// URL
func NewConsumer(url string) *Consumer {
	return &Consumer{url: url, now: time.Now, maxFrame: DefaultMaxFrameBytes}
}

// SetMaxFrameBytes sets the largest frame accepted on connections started
// afterwards. Non-positive values restore DefaultMaxFrameBytes.
func (c *Consumer) SetMaxFrameBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxFrameBytes
	}
	c.mu.Lock()
	c.maxFrame = n
	c.mu.Unlock()
}

// State returns the current lifecycle state
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latest re-surfaces the most recent alert. It is the only way to observe an
// alert that arrived before a subscriber joined; Subscribe never replays.
func (c *Consumer) Latest() (models.AlertEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return models.AlertEvent{}, false
	}
	return *c.latest, true
}

// Start dials the alert endpoint. ctx bounds the handshake only; the
// connection lives until Stop or a transport error.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connecting, Connected:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	dialCtx, dialCancel := context.WithCancel(ctx)
	c.state = Connecting
	c.cancel = dialCancel
	c.mu.Unlock()

	log.Debug("dialing %s", c.url)
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	dialCancel()

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = Disconnected
		c.cancel = nil
		c.mu.Unlock()
		connErr := &ConnectionError{Err: err}
		log.Warn("handshake failed: %v", err)
		c.emitError(connErr)
		return connErr
	}

	conn.SetReadLimit(c.maxFrame)
	readCtx, readCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = Connected
	c.conn = conn
	c.cancel = readCancel
	c.done = done
	c.mu.Unlock()

	log.Info("connected to %s", c.url)
	go c.readLoop(readCtx, conn, done)
	return nil
}

// Stop closes the connection and moves to the terminal Closed state. When it
// returns no callback is running and none will run again. Callbacks must not
// call Stop themselves.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = Closed
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stopped")
	}
	if cancel != nil {
		cancel()
	}

	c.deliverMu.Lock()
	c.deliverMu.Unlock()

	if done != nil {
		<-done
	}
	log.Info("stopped (was %s)", prev)
}

func (c *Consumer) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropped(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Consumer) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.state == Closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	// State resets before the notification so an error handler may Start again.
	c.state = Disconnected
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	conn.CloseNow()
	log.Warn("connection lost: %v", err)
	c.emitError(&ConnectionError{Err: err})
}

type frame struct {
	Alert *string `json:"alert"`
}

func (c *Consumer) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.emitError(&FrameError{Frame: string(data), Reason: err.Error()})
		return
	}
	if f.Alert == nil {
		c.emitError(&FrameError{Frame: string(data), Reason: `missing "alert" field`})
		return
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	ev := models.AlertEvent{Alert: *f.Alert, Seq: c.seq, ReceivedAt: c.now()}
	c.latest = &ev
	c.mu.Unlock()

	log.Debug("alert #%d: %s", ev.Seq, ev.Alert)
	c.deliver(func(s *subscriber) {
		if s.onAlert != nil {
			s.onAlert(ev)
		}
	})
}

func (c *Consumer) emitError(err error) {
	c.deliver(func(s *subscriber) {
		if s.onError != nil {
			s.onError(err)
		}
	})
}
