// Package chrome drives a real browser over the DevTools protocol.
// It attaches to a running browser's debugging websocket, or launches
// a headless instance itself, and exposes pages through the same
// engine contract the headless backends implement.
package chrome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// call is a protocol command awaiting its response.
type call struct {
	done chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// protoError is the error object DevTools returns for a failed command.
type protoError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *protoError) Error() string {
	return fmt.Sprintf("devtools: %s (%d)", e.Message, e.Code)
}

type protoMessage struct {
	ID        uint64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *protoError     `json:"error,omitempty"`
}

// client multiplexes commands and events over one browser websocket.
// Page sessions share the connection and are told apart by sessionId.
type client struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	// event handlers keyed by sessionId then method; "" is the
	// browser-level session
	handlers map[string]map[string]func(params json.RawMessage)
	closed   bool
	closeErr error
}

func dial(ctx context.Context, wsURL string, log *zap.Logger) (*client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing devtools socket: %w", err)
	}
	// CDP result payloads can be large.
	conn.SetReadLimit(64 << 20)
	c := &client{
		conn:     conn,
		log:      log,
		pending:  make(map[uint64]*call),
		handlers: make(map[string]map[string]func(json.RawMessage)),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a command on the given session and decodes the result into
// out when out is non-nil.
func (c *client) Call(ctx context.Context, sessionID, method string, params, out any) error {
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		rawParams = b
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = errors.New("devtools connection closed")
		}
		return err
	}
	c.nextID++
	id := c.nextID
	pending := &call{done: make(chan callResult, 1)}
	c.pending[id] = pending
	c.mu.Unlock()

	msg, err := json.Marshal(protoMessage{ID: id, Method: method, Params: rawParams, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case res := <-pending.done:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out != nil && res.result != nil {
			if err := json.Unmarshal(res.result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// OnEvent registers the handler for a protocol event on a session,
// replacing any previous handler for the same event.
func (c *client) OnEvent(sessionID, method string, h func(params json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.handlers[sessionID]
	if m == nil {
		m = make(map[string]func(json.RawMessage))
		c.handlers[sessionID] = m
	}
	m[method] = h
}

func (c *client) DropSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, sessionID)
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		var msg protoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable devtools message", zap.Error(err))
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			pending := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if pending == nil {
				continue
			}
			res := callResult{result: msg.Result}
			if msg.Error != nil {
				res.err = msg.Error
			}
			pending.done <- res
			continue
		}
		if msg.Method == "" {
			continue
		}
		c.mu.Lock()
		h := c.handlers[msg.SessionID][msg.Method]
		c.mu.Unlock()
		if h != nil {
			h(msg.Params)
		}
	}
}

// fail terminates every pending call and marks the client dead.
func (c *client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = map[uint64]*call{}
	c.mu.Unlock()
	for _, p := range pending {
		p.done <- callResult{err: err}
	}
}

func (c *client) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	if c.closeErr == nil {
		c.closeErr = errors.New("devtools connection closed")
	}
	c.mu.Unlock()
	if already {
		return nil
	}
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
