// Package signal implements the websocket client for the call
// signaling service: a request/response surface for the session
// controller plus a push stream fanned out to an update handler.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/groupcall/internal/core"
)

var ErrBackpressure = errors.New("backpressure")
var ErrClosed = errors.New("connection closed")

var _ core.Signaling = (*Client)(nil)

const writeTimeout = 5 * time.Second

// envelope is one outbound request frame.
type envelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// inbound is any frame from the service: a response when ID is set, a
// push otherwise.
type inbound struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Update string          `json:"update,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Client is a websocket signaling connection. It is safe for
// concurrent use; every request owns a pending slot keyed by a
// request id.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	handler core.UpdateHandler
	log     zerolog.Logger

	mu      sync.RWMutex
	pending map[string]chan inbound
	closed  bool
}

// Dial connects to the signaling service. Pushes are delivered to
// handler from the read loop, one at a time.
func Dial(ctx context.Context, url string, handler core.UpdateHandler) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    ws,
		send:    make(chan []byte, 32),
		handler: handler,
		log:     log.With().Str("module", "signal").Logger(),
		pending: make(map[string]chan inbound),
	}
	c.log.Info().Str("url", url).Msg("connected")
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			c.log.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Error().Err(err).Msg("writePump write error")
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.log.Info().Msg("readPump closing")
		c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("readPump read error")
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return
	}
	if in.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[in.ID]
		delete(c.pending, in.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Warn().Str("id", in.ID).Msg("response for unknown request")
			return
		}
		ch <- in
		return
	}
	c.handlePush(in)
}

func (c *Client) handlePush(in inbound) {
	if c.handler == nil {
		return
	}
	switch in.Update {
	case "participants":
		var u core.ParticipantsUpdate
		if err := json.Unmarshal(in.Params, &u); err != nil {
			c.log.Error().Err(err).Msg("bad participants push")
			return
		}
		c.handler.HandleParticipantsUpdate(u)
	case "call_discarded":
		var p struct {
			CallID int64 `json:"call_id"`
		}
		if err := json.Unmarshal(in.Params, &p); err != nil {
			c.log.Error().Err(err).Msg("bad discard push")
			return
		}
		c.handler.HandleCallDiscarded(p.CallID)
	case "schedule_date":
		var p struct {
			CallID int64 `json:"call_id"`
			Date   int64 `json:"date"`
		}
		if err := json.Unmarshal(in.Params, &p); err != nil {
			c.log.Error().Err(err).Msg("bad schedule push")
			return
		}
		c.handler.HandleScheduleDate(p.CallID, p.Date)
	default:
		c.log.Warn().Str("update", in.Update).Msg("unknown push")
	}
}

func (c *Client) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// request performs one round trip. out may be nil when only the error
// outcome matters.
func (c *Client) request(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	frame, err := json.Marshal(envelope{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}
	ch := make(chan inbound, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.trySend(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case in, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if in.Error != nil {
			return core.NewSignalError(core.ErrorCode(in.Error.Code), in.Error.Message)
		}
		if out != nil && len(in.Result) > 0 {
			return json.Unmarshal(in.Result, out)
		}
		return nil
	}
}

// Close shuts the connection down and fails every pending request.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
