package acp

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

// UpdateHandler is called for every session/update notification from the agent.
type UpdateHandler func(update jsonrpc.SessionUpdateParams)

// Client wraps a Conn with the typed ACP capability set the runtime needs:
// initialize, session/new, session/prompt (user or system role), streamed
// session updates, and cancel.
type Client struct {
	conn   *Conn
	logger *logger.Logger

	mu            sync.RWMutex
	updateHandler UpdateHandler
	initialized   bool
	agentName     string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithUpdateHandler sets the handler for session updates
func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) {
		c.updateHandler = h
	}
}

// NewClient creates an ACP client over an established connection.
func NewClient(conn *Conn, log *logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "acp-client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	conn.OnNotification(c.handleNotification)
	return c
}

// SetUpdateHandler sets the update handler (thread-safe)
func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

// Initialize performs the ACP handshake.
func (c *Client) Initialize(ctx context.Context, name, version string) (*jsonrpc.InitializeResult, error) {
	var result jsonrpc.InitializeResult
	err := c.conn.Call(ctx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      jsonrpc.ClientInfo{Name: name, Version: version},
	}, &result)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.initialized = true
	c.agentName = result.AgentInfo.Name
	c.mu.Unlock()

	c.logger.Info("acp handshake complete",
		zap.String("agent_name", result.AgentInfo.Name),
		zap.String("agent_version", result.AgentInfo.Version))
	return &result, nil
}

// NewSession creates a fresh agent session and returns its id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	var result jsonrpc.SessionNewResult
	if err := c.conn.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{Cwd: cwd}, &result); err != nil {
		return "", err
	}
	c.logger.Info("acp session created", zap.String("session_id", result.SessionID))
	return result.SessionID, nil
}

// Prompt sends a prompt and blocks until the agent finishes the turn.
// Streamed updates arrive on the update handler while the call is in flight.
func (c *Client) Prompt(ctx context.Context, sessionID, role, text string) (*jsonrpc.SessionPromptResult, error) {
	var result jsonrpc.SessionPromptResult
	err := c.conn.Call(ctx, jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
		SessionID: sessionID,
		Role:      role,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: text}},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the agent to abandon the in-flight turn. Best effort.
func (c *Client) Cancel(sessionID, reason string) error {
	return c.conn.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{
		SessionID: sessionID,
		Reason:    reason,
	})
}

// Reachable reports whether the connection is open and the handshake completed.
// Used by the lifecycle health probe.
func (c *Client) Reachable() bool {
	if c.conn.Closed() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Close shuts down the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		c.logger.Debug("ignoring acp notification", zap.String("method", method))
		return
	}

	var update jsonrpc.SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		c.logger.Warn("dropping malformed session update", zap.Error(err))
		return
	}

	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(update)
	}
}
