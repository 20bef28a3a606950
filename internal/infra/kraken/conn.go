package kraken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle of a feed connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

const closeWriteTimeout = time.Second

// Conn is a subscribed level3 stream. Next must be called from one goroutine;
// Close may be called from any.
type Conn struct {
	ws           *websocket.Conn
	state        atomic.Int32
	staleTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

func newConn(ws *websocket.Conn, staleTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		staleTimeout: staleTimeout,
		done:         make(chan struct{}),
		logger:       slog.Default().With("module", "kraken_conn"),
	}
	c.setState(StateConnecting)
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Next blocks until the next data frame. Cancelling ctx closes the socket.
// A silence longer than the stale timeout yields ErrStaleSession.
func (c *Conn) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.State() == StateDisconnected {
		return nil, ErrConnectionClosed
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if c.staleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.staleTimeout))
	}

	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_ = c.Close()

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: no message for %s", ErrStaleSession, c.staleTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	if c.State() == StateSubscribed {
		c.setState(StateStreaming)
	}
	return msg, nil
}

// writeJSON serialises writes; gorilla allows one concurrent writer.
func (c *Conn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) subscribe(req subscribeRequest) error {
	if err := c.writeJSON(req); err != nil {
		return err
	}
	c.setState(StateSubscribed)
	return nil
}

// pingLoop sends application pings until the connection closes.
func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(pingRequest{Method: "ping"}); err != nil {
				c.logger.Debug("Ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// Close sends a close frame and releases the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateDisconnected)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = c.ws.Close()
	})
	return err
}
