// Package websocket adapts gorilla/websocket connections to domain.Transport
// and serves the upgrade endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HMasataka/tether/internal/logging"
	"github.com/HMasataka/tether/pkg/domain"
	"github.com/HMasataka/tether/pkg/errors"
)

// maxCloseReason is the largest close reason allowed in a control frame
const maxCloseReason = 123

var errSendBufferFull = errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")

type closeFrame struct {
	code   int
	reason string
}

// Client is one accepted websocket connection. Outbound frames go through a
// single buffered channel drained by the write pump, so per-connection order
// is preserved.
type Client struct {
	conn    *websocket.Conn
	logger  *logging.Logger
	options ClientOptions

	sendChan  chan []byte
	closeChan chan closeFrame
	done      chan struct{}
	onPong    func()

	connected atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
}

// NewClient wraps conn
func NewClient(conn *websocket.Conn, logger *logging.Logger, options ClientOptions) *Client {
	def := DefaultClientOptions()
	if options.SendBuffer <= 0 {
		options.SendBuffer = def.SendBuffer
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = def.WriteTimeout
	}
	if options.CloseTimeout <= 0 {
		options.CloseTimeout = def.CloseTimeout
	}

	c := &Client{
		conn:      conn,
		logger:    logger,
		options:   options,
		sendChan:  make(chan []byte, options.SendBuffer),
		closeChan: make(chan closeFrame, 1),
		done:      make(chan struct{}),
	}
	c.connected.Store(true)
	return c
}

// Send implements domain.Transport. The message is encoded as JSON; raw
// bytes and json.RawMessage are written as they are.
func (c *Client) Send(ctx context.Context, message any) error {
	if !c.connected.Load() {
		return errors.ErrTransportClosed
	}

	var data []byte
	switch m := message.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	default:
		encoded, err := json.Marshal(message)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "MARSHAL_ERROR", "failed to marshal message")
		}
		data = encoded
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.ErrTransportClosed
	default:
		return errSendBufferFull
	}
}

// Close implements domain.Transport. Queued frames are flushed before the
// close frame when the write pump is running. Safe to call more than once.
func (c *Client) Close(ctx context.Context, code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}

		if !c.started.Load() {
			deadline := time.Now().Add(c.options.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			err = c.conn.Close()
			close(c.done)
			return
		}

		c.closeChan <- closeFrame{code: code, reason: reason}
		timer := time.NewTimer(c.options.CloseTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = c.conn.Close()
		case <-timer.C:
			err = c.conn.Close()
		}
	})
	return err
}

// IsConnected implements domain.Transport
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Start starts the write pump
func (c *Client) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.writePump()
}

// Done is closed once the connection is torn down
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// OnPong registers fn to run for every protocol pong. It must be called
// before ReadLoop.
func (c *Client) OnPong(fn func()) {
	c.onPong = fn
}

// ReadLoop delivers inbound text and binary frames to handler until the
// peer goes away or the connection is closed.
func (c *Client) ReadLoop(handler func(message []byte)) {
	defer c.logger.Debug("read pump stopped")

	if c.options.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.options.MaxMessageSize)
	}
	if c.options.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		if c.options.ReadTimeout > 0 {
			return c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		}
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.connected.Store(false)
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if c.options.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		}
		handler(message)
	}
}

// writePump pumps messages to the websocket connection
func (c *Client) writePump() {
	defer func() {
		c.connected.Store(false)
		c.conn.Close()
		close(c.done)
		c.logger.Debug("write pump stopped")
	}()

	var ping <-chan time.Time
	if c.options.PingInterval > 0 {
		ticker := time.NewTicker(c.options.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.sendChan:
			if !c.write(message) {
				return
			}

		case f := <-c.closeChan:
			// Drain any queued messages
			n := len(c.sendChan)
			for range n {
				if !c.write(<-c.sendChan) {
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, f.reason)); err != nil {
				c.logger.Debug("websocket close frame failed", "error", err)
			}
			return

		case <-ping:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Warn("websocket write error", "error", err)
		return false
	}
	return true
}

var _ domain.Transport = (*Client)(nil)
