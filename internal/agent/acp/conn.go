// Package acp implements the client side of the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 over the agent subprocess's stdio.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

// ErrConnClosed is returned for calls issued after the connection shut down.
var ErrConnClosed = errors.New("acp: connection closed")

// NotificationHandler receives agent-originated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Conn is a bidirectional JSON-RPC connection over the agent's stdio.
// One writer goroutine discipline: all writes go through writeMu.
type Conn struct {
	logger *logger.Logger

	writeMu sync.Mutex
	w       io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Response

	notifyMu sync.RWMutex
	onNotify NotificationHandler

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn creates a connection over the given pipes and starts the read loop.
// The reader goroutine exits when r reaches EOF (agent exited) or errors.
func NewConn(w io.Writer, r io.Reader, log *logger.Logger) *Conn {
	c := &Conn{
		logger:  log.WithFields(zap.String("component", "acp-conn")),
		w:       w,
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// OnNotification registers the handler for agent notifications.
func (c *Conn) OnNotification(h NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onNotify = h
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the connection has shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Call issues a request and decodes the result into result (may be nil).
// It blocks until the agent responds, ctx expires, or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	if c.Closed() {
		return ErrConnClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: marshalParams(params)}); err != nil {
		return fmt.Errorf("acp: write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("acp: %s failed: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("acp: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params interface{}) error {
	if c.Closed() {
		return ErrConnClosed
	}
	return c.write(jsonrpc.Request{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Close shuts the connection down and fails all in-flight calls.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *Conn) readLoop(r io.Reader) {
	defer c.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// A response has an id and no method; anything with a method is
		// an agent-originated request or notification.
		var probe struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			c.logger.Warn("dropping malformed acp message", zap.Error(err))
			continue
		}

		if probe.Method != "" {
			c.dispatchNotification(probe.Method, probe.Params)
			continue
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("dropping malformed acp response", zap.Error(err))
			continue
		}
		c.dispatchResponse(&resp)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("acp read loop ended", zap.Error(err))
	}
}

func (c *Conn) dispatchResponse(resp *jsonrpc.Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.logger.Warn("dropping acp response with unknown id type")
		return
	}

	c.mu.Lock()
	ch, exists := c.pending[id]
	c.mu.Unlock()

	if !exists {
		c.logger.Debug("dropping acp response for unknown request", zap.Int64("id", id))
		return
	}
	ch <- resp
}

func (c *Conn) dispatchNotification(method string, params json.RawMessage) {
	c.notifyMu.RLock()
	h := c.onNotify
	c.notifyMu.RUnlock()

	if h == nil {
		c.logger.Debug("dropping acp notification without handler", zap.String("method", method))
		return
	}
	h(method, params)
}

func marshalParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

func numericID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
