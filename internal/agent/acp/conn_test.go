package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeAgent is an in-process agent speaking newline-delimited JSON-RPC.
// handle returns the result to send back, or nil to stay silent.
func fakeAgent(t *testing.T, in io.Reader, out io.Writer, handle func(req jsonrpc.Request) interface{}) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(in)
		enc := json.NewEncoder(out)
		for scanner.Scan() {
			var req jsonrpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			result := handle(req)
			if req.ID == nil || result == nil {
				continue
			}
			raw, _ := json.Marshal(result)
			_ = enc.Encode(jsonrpc.Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
		}
	}()
}

func TestConn_CallRoundTrip(t *testing.T) {
	clientOut, agentIn := io.Pipe()
	agentOut, clientIn := io.Pipe()
	defer clientIn.Close()
	defer agentIn.Close()

	fakeAgent(t, clientOut, clientIn, func(req jsonrpc.Request) interface{} {
		require.Equal(t, jsonrpc.MethodSessionNew, req.Method)
		return jsonrpc.SessionNewResult{SessionID: "s-123"}
	})

	conn := NewConn(agentIn, agentOut, newTestLogger(t))
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result jsonrpc.SessionNewResult
	err := conn.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{Cwd: "/tmp"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "s-123", result.SessionID)
}

func TestConn_CallTimeout(t *testing.T) {
	clientOut, agentIn := io.Pipe()
	agentOut, clientIn := io.Pipe()
	defer agentIn.Close()
	defer clientIn.Close()

	// Agent that never responds.
	fakeAgent(t, clientOut, io.Discard, func(req jsonrpc.Request) interface{} { return nil })

	conn := NewConn(agentIn, agentOut, newTestLogger(t))
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Call(ctx, jsonrpc.MethodInitialize, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_NotificationDispatch(t *testing.T) {
	_, agentIn := io.Pipe()
	agentOut, clientIn := io.Pipe()
	defer agentIn.Close()

	conn := NewConn(agentIn, agentOut, newTestLogger(t))
	defer conn.Close()

	received := make(chan string, 1)
	conn.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	enc := json.NewEncoder(clientIn)
	go func() {
		_ = enc.Encode(jsonrpc.Request{JSONRPC: "2.0", Method: jsonrpc.NotificationSessionUpdate})
	}()

	select {
	case method := <-received:
		assert.Equal(t, jsonrpc.NotificationSessionUpdate, method)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestConn_ClosedOnEOF(t *testing.T) {
	_, agentIn := io.Pipe()
	agentOut, clientIn := io.Pipe()
	defer agentIn.Close()

	conn := NewConn(agentIn, agentOut, newTestLogger(t))

	require.NoError(t, clientIn.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("expected connection to close on agent EOF")
	}

	err := conn.Call(context.Background(), jsonrpc.MethodInitialize, nil, nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestClient_PromptStreamsUpdates(t *testing.T) {
	clientOut, agentIn := io.Pipe()
	agentOut, clientIn := io.Pipe()
	defer clientIn.Close()
	defer agentIn.Close()

	enc := json.NewEncoder(clientIn)
	fakeAgent(t, clientOut, io.Discard, func(req jsonrpc.Request) interface{} { return nil })

	conn := NewConn(agentIn, agentOut, newTestLogger(t))
	defer conn.Close()

	updates := make(chan jsonrpc.SessionUpdateParams, 4)
	client := NewClient(conn, newTestLogger(t), WithUpdateHandler(func(u jsonrpc.SessionUpdateParams) {
		updates <- u
	}))
	_ = client

	params, _ := json.Marshal(jsonrpc.SessionUpdateParams{
		SessionID: "s-1",
		Update: jsonrpc.SessionUpdate{
			UpdateType: jsonrpc.UpdateAgentMessageChunk,
			Content:    &jsonrpc.Content{Type: "text", Text: "hello"},
		},
	})
	go func() {
		_ = enc.Encode(jsonrpc.Request{JSONRPC: "2.0", Method: jsonrpc.NotificationSessionUpdate, Params: params})
	}()

	select {
	case u := <-updates:
		assert.Equal(t, "s-1", u.SessionID)
		require.NotNil(t, u.Update.Content)
		assert.Equal(t, "hello", u.Update.Content.Text)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session update")
	}
}
