// Package main implements a mock agent binary that speaks the kbot ACP
// dialect over stdin/stdout. It generates scripted responses for manual
// testing and development without a real coding agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

// Scenarios:
//
//	echo   - reply with the prompt text (default)
//	slow   - echo after a 2s delay
//	crash  - exit 7 on the first user prompt
//	tools  - emit a tool call/result pair before the reply
var scenario = flag.String("scenario", "echo", "response behavior: echo, slow, crash, tools")

var sessionCounter int

func main() {
	flag.Parse()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case jsonrpc.MethodInitialize:
			respond(enc, req.ID, jsonrpc.InitializeResult{
				ProtocolVersion: 1,
				AgentInfo:       jsonrpc.AgentInfo{Name: "mock-agent", Version: "0.1.0"},
			})
		case jsonrpc.MethodSessionNew:
			sessionCounter++
			respond(enc, req.ID, jsonrpc.SessionNewResult{
				SessionID: fmt.Sprintf("mock-%d-%d", os.Getpid(), sessionCounter),
			})
		case jsonrpc.MethodSessionPrompt:
			handlePrompt(enc, req)
		case jsonrpc.MethodSessionCancel:
			// Notification, nothing to answer.
		default:
			if req.ID != nil {
				respondError(enc, req.ID, jsonrpc.MethodNotFound, "unknown method: "+req.Method)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func handlePrompt(enc *json.Encoder, req jsonrpc.Request) {
	var params jsonrpc.SessionPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		respondError(enc, req.ID, jsonrpc.InvalidParams, "bad prompt params")
		return
	}

	text := promptText(params)

	// The /usage probe is answered on stderr, mirroring the real agent's
	// local-command side channel.
	if strings.HasPrefix(text, "/usage") {
		writeUsageBlock()
		respond(enc, req.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
		return
	}

	if params.Role == "system" {
		respond(enc, req.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
		return
	}

	switch *scenario {
	case "crash":
		os.Exit(7)
	case "slow":
		time.Sleep(2 * time.Second)
	case "tools":
		exitCode := 0
		notifyUpdate(enc, params.SessionID, jsonrpc.SessionUpdate{
			UpdateType: jsonrpc.UpdateToolCall,
			ToolCall: &jsonrpc.ToolCall{
				CallID: "mock-call-1",
				Name:   "run_command",
				Input:  json.RawMessage(`{"command":"echo hi"}`),
				Status: "running",
			},
		})
		notifyUpdate(enc, params.SessionID, jsonrpc.SessionUpdate{
			UpdateType: jsonrpc.UpdateToolResult,
			ToolResult: &jsonrpc.ToolResult{
				CallID:   "mock-call-1",
				Status:   "success",
				Output:   "hi\n",
				ExitCode: &exitCode,
			},
		})
	}

	notifyUpdate(enc, params.SessionID, jsonrpc.SessionUpdate{
		UpdateType: jsonrpc.UpdateAgentMessageChunk,
		Content:    &jsonrpc.Content{Type: "text", Text: "echo: " + text},
	})
	respond(enc, req.ID, jsonrpc.SessionPromptResult{StopReason: "end_turn"})
}

func promptText(params jsonrpc.SessionPromptParams) string {
	var parts []string
	for _, block := range params.Prompt {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func respond(enc *json.Encoder, id interface{}, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = enc.Encode(jsonrpc.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func respondError(enc *json.Encoder, id interface{}, code int, message string) {
	_ = enc.Encode(jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpc.Error{Code: code, Message: message},
	})
}

func notifyUpdate(enc *json.Encoder, sessionID string, update jsonrpc.SessionUpdate) {
	params, err := json.Marshal(jsonrpc.SessionUpdateParams{SessionID: sessionID, Update: update})
	if err != nil {
		return
	}
	_ = enc.Encode(jsonrpc.Request{
		JSONRPC: "2.0",
		Method:  jsonrpc.NotificationSessionUpdate,
		Params:  params,
	})
}

func writeUsageBlock() {
	fmt.Fprintln(os.Stderr, "<local-command-stdout>")
	fmt.Fprintln(os.Stderr, "Model: mock-sonnet")
	fmt.Fprintln(os.Stderr, "45,000 / 200,000 tokens (22.5%)")
	fmt.Fprintln(os.Stderr, "Messages: 30,000 tokens")
	fmt.Fprintln(os.Stderr, "System prompt: 15,000 tokens")
	fmt.Fprintln(os.Stderr, "</local-command-stdout>")
}
