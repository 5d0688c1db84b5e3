package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events/bus"
	"github.com/kynetic/kbot/internal/memory"
	"github.com/kynetic/kbot/internal/session"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type promptRecord struct {
	sessionID string
	role      string
	text      string
}

// fakeAgent scripts the ACP side: replies stream as message chunks,
// optional tool traffic, optional failure.
type fakeAgent struct {
	mu        sync.Mutex
	handler   func(update jsonrpc.SessionUpdateParams)
	sessions  int
	prompts   []promptRecord
	replyText string
	toolCalls bool
	promptErr error
}

func (a *fakeAgent) NewSession(ctx context.Context, cwd string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions++
	return fmt.Sprintf("acp-%d", a.sessions), nil
}

func (a *fakeAgent) SetUpdateHandler(h func(update jsonrpc.SessionUpdateParams)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *fakeAgent) Prompt(ctx context.Context, sessionID, role, text string) (*jsonrpc.SessionPromptResult, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, promptRecord{sessionID: sessionID, role: role, text: text})
	handler := a.handler
	reply := a.replyText
	tools := a.toolCalls
	err := a.promptErr
	a.mu.Unlock()

	if err != nil && role == "user" {
		return nil, err
	}

	if role == "user" && handler != nil {
		if tools {
			handler(jsonrpc.SessionUpdateParams{
				SessionID: sessionID,
				Update: jsonrpc.SessionUpdate{
					UpdateType: jsonrpc.UpdateToolCall,
					ToolCall:   &jsonrpc.ToolCall{CallID: "call-1", Name: "read_file", Input: []byte(`{"path":"a.go"}`)},
				},
			})
			handler(jsonrpc.SessionUpdateParams{
				SessionID: sessionID,
				Update: jsonrpc.SessionUpdate{
					UpdateType: jsonrpc.UpdateToolResult,
					ToolResult: &jsonrpc.ToolResult{CallID: "call-1", Status: "success", Output: "package main"},
				},
			})
		}
		if reply != "" {
			handler(jsonrpc.SessionUpdateParams{
				SessionID: sessionID,
				Update: jsonrpc.SessionUpdate{
					UpdateType: jsonrpc.UpdateAgentMessageChunk,
					Content:    &jsonrpc.Content{Type: "text", Text: reply},
				},
			})
		}
	}
	return &jsonrpc.SessionPromptResult{StopReason: "end_turn"}, nil
}

func (a *fakeAgent) promptLog() []promptRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]promptRecord{}, a.prompts...)
}

type fakePlatform struct {
	mu     sync.Mutex
	name   string
	sent   []string
	typing int
}

func (p *fakePlatform) Name() string { return p.name }

func (p *fakePlatform) SendMessage(ctx context.Context, channel, content string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, content)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func (p *fakePlatform) EditMessage(ctx context.Context, channel, messageID, content string) error {
	return nil
}

func (p *fakePlatform) StartTypingLoop(channel string) {
	p.mu.Lock()
	p.typing++
	p.mu.Unlock()
}

func (p *fakePlatform) StopTypingLoop(channel string) {
	p.mu.Lock()
	p.typing--
	p.mu.Unlock()
}

func (p *fakePlatform) Stop(ctx context.Context) error { return nil }

func (p *fakePlatform) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.sent...)
}

type fixture struct {
	bot          *Bot
	agent        *fakeAgent
	platform     *fakePlatform
	sessionStore *memory.SessionStore
	convStore    *memory.ConversationStore
	sessions     *session.LifecycleManager
	eventBus     *bus.MemoryEventBus
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil, nil)
}

func newFixtureWith(t *testing.T, usage *session.UsageTracker, stderr session.StderrProvider) *fixture {
	t.Helper()
	log := newTestLogger(t)
	dataDir := t.TempDir()

	cfg := &config.Config{
		DataDir: dataDir,
		Agent: config.AgentConfig{
			WorkDir:        "/tmp",
			IdentityPrompt: "You are kbot, on duty.",
		},
		Session: config.SessionConfig{RotationThreshold: 0.70},
		Restore: config.RestoreConfig{
			MaxContextTokens: 10000,
			BudgetFraction:   0.5,
			MarginFraction:   0.05,
			CharsPerToken:    4,
			MaxTurnChars:     4000,
		},
	}

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	sessionStore := memory.NewSessionStore(dataDir, log)
	convStore := memory.NewConversationStore(dataDir, eventBus, log)
	sessions := session.NewLifecycleManager(cfg.Session, sessionStore, eventBus, log)

	reconstructor := memory.NewTurnReconstructor(sessionStore, nil, log)
	selector := session.NewTurnSelector(cfg.Restore, reconstructor, session.NewToolSummarizer(), log)
	restorer := session.NewContextRestorer(cfg.Restore, dataDir, selector, session.NewToolSummarizer(), nil, log)

	agent := &fakeAgent{replyText: "hello from the agent"}
	b := New(Deps{
		Config:       cfg,
		AgentType:    "claude",
		Agent:        agent,
		Stderr:       stderr,
		Sessions:     sessions,
		Usage:        usage,
		Restorer:     restorer,
		SessionStore: sessionStore,
		ConvStore:    convStore,
		EventBus:     eventBus,
		Logger:       log,
	})

	return &fixture{
		bot:          b,
		agent:        agent,
		platform:     &fakePlatform{name: "testchat"},
		sessionStore: sessionStore,
		convStore:    convStore,
		sessions:     sessions,
		eventBus:     eventBus,
	}
}

func inbound(id, text string) NormalizedMessage {
	return NormalizedMessage{
		ID:        id,
		Text:      text,
		Sender:    Sender{ID: "u-1", Platform: "testchat", DisplayName: "Ada"},
		Timestamp: time.Now().UnixMilli(),
		Channel:   "u-1",
	}
}

func TestBot_NewConversationFullRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "what is 2+2?")))

	prompts := f.agent.promptLog()
	require.Len(t, prompts, 2)
	assert.Equal(t, "system", prompts[0].role)
	assert.Equal(t, "You are kbot, on duty.", prompts[0].text)
	assert.Equal(t, "user", prompts[1].role)
	assert.Equal(t, "what is 2+2?", prompts[1].text)

	assert.Equal(t, []string{"hello from the agent"}, f.platform.sentMessages())

	conv, err := f.convStore.GetConversationBySessionKey(ctx, "agent:claude:testchat:user:u-1")
	require.NoError(t, err)
	turns, err := f.convStore.ReadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "m-1", turns[0].MessageID)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Greater(t, turns[1].EventRange.EndSeq, turns[1].EventRange.StartSeq-1)

	// The assistant range reconstructs to the streamed reply.
	events, err := f.sessionStore.ReadEvents(ctx, turns[1].SessionID, &turns[1].EventRange)
	require.NoError(t, err)
	var chunk string
	for _, event := range events {
		if event.Type == memory.EventMessageChunk {
			chunk, _ = event.Data["content"].(string)
		}
	}
	assert.Equal(t, "hello from the agent", chunk)
}

func TestBot_SecondMessageSkipsSystemPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "first")))
	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-2", "second")))

	var systems int
	for _, p := range f.agent.promptLog() {
		if p.role == "system" {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	assert.Equal(t, 1, f.agent.sessions)
}

func TestBot_RotationSendsRestorationPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "remember the number 42")))

	key, err := session.ParseKey("agent:claude:testchat:user:u-1")
	require.NoError(t, err)
	oldID, ok := f.sessions.ActiveSession(key)
	require.True(t, ok)

	f.sessions.UpdateContextUsage(key, &session.ContextUsageUpdate{Percentage: 0.92})
	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-2", "what number?")))

	// The replacement session opened with a restoration prompt, not the
	// identity prompt.
	prompts := f.agent.promptLog()
	var lastSystem string
	for _, p := range prompts {
		if p.role == "system" {
			lastSystem = p.text
		}
	}
	assert.Contains(t, lastSystem, "## Session Context")
	assert.Contains(t, lastSystem, "remember the number 42")

	old, err := f.sessionStore.GetSession(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, "completed", old.Status)

	newID, _ := f.sessions.ActiveSession(key)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, 2, f.agent.sessions)
}

func TestBot_ToolTrafficRecordedWithTraceIDs(t *testing.T) {
	f := newFixture(t)
	f.agent.toolCalls = true
	ctx := context.Background()

	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "read a.go")))

	conv, err := f.convStore.GetConversationBySessionKey(ctx, "agent:claude:testchat:user:u-1")
	require.NoError(t, err)
	turns, err := f.convStore.ReadTurns(ctx, conv.ID)
	require.NoError(t, err)

	events, err := f.sessionStore.ReadEvents(ctx, turns[1].SessionID, nil)
	require.NoError(t, err)

	var call, result *memory.SessionEvent
	for i := range events {
		switch events[i].Type {
		case memory.EventToolCall:
			call = &events[i]
		case memory.EventToolResult:
			result = &events[i]
		}
	}
	require.NotNil(t, call)
	require.NotNil(t, result)
	assert.Equal(t, "call-1", call.TraceID)
	assert.Equal(t, call.TraceID, result.TraceID)
	assert.Equal(t, "read_file", call.Data["name"])
}

func TestBot_ToolSummaryCarriesResultOutput(t *testing.T) {
	f := newFixture(t)
	f.agent.toolCalls = true
	ctx := context.Background()

	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "read a.go")))

	conv, err := f.convStore.GetConversationBySessionKey(ctx, "agent:claude:testchat:user:u-1")
	require.NoError(t, err)
	turns, err := f.convStore.ReadTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	// Events written by the live pipeline summarize with the tool
	// result's output in the outcome slot.
	rec := memory.NewTurnReconstructor(f.sessionStore, nil, newTestLogger(t))
	result, err := rec.ReconstructContent(ctx, turns[1].SessionID, turns[1].EventRange,
		memory.ReconstructOptions{SummarizeTools: true})
	require.NoError(t, err)
	assert.Contains(t, result.Content, `[tool: read_file | {"path":"a.go"} | success | package main]`)
}

// gateStderr is a stderr source the test feeds by hand.
type gateStderr struct {
	mu   sync.Mutex
	subs []chan string
}

func (g *gateStderr) Subscribe() (<-chan string, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan string, 16)
	g.subs = append(g.subs, ch)
	return ch, func() {}
}

func (g *gateStderr) subscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *gateStderr) emit(lines ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.subs {
		for _, line := range lines {
			ch <- line
		}
	}
}

func TestBot_UsageProbeDoesNotHoldKeyLock(t *testing.T) {
	stderr := &gateStderr{}
	usage := session.NewUsageTracker(
		config.UsageConfig{TimeoutS: 10, DebounceIntervalS: 60}, nil, newTestLogger(t))
	f := newFixtureWith(t, usage, stderr)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.bot.HandleMessage(ctx, f.platform, inbound("m-1", "hi"))
	}()

	// The probe is in flight once it subscribes to stderr.
	require.Eventually(t, func() bool {
		return stderr.subscriberCount() >= 1
	}, 5*time.Second, 5*time.Millisecond)

	// A second message on the same key completes while the probe is
	// still waiting for its usage block.
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- f.bot.HandleMessage(ctx, f.platform, inbound("m-2", "still there?"))
	}()
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second message blocked behind the usage probe")
	}

	stderr.emit(
		"<local-command-stdout>",
		"Model: mock-sonnet",
		"45,000 / 200,000 tokens (22.5%)",
		"</local-command-stdout>",
	)
	require.NoError(t, <-firstDone)

	update := usage.LastKnown("acp-1")
	require.NotNil(t, update)
	assert.InDelta(t, 0.225, update.Percentage, 1e-9)
}

func TestBot_PromptFailureEmitsMessageFailed(t *testing.T) {
	f := newFixture(t)
	f.agent.promptErr = errors.New("agent hung up")

	failed := make(chan *bus.Event, 1)
	_, err := f.eventBus.Subscribe("message.failed", func(ctx context.Context, event *bus.Event) error {
		failed <- event
		return nil
	})
	require.NoError(t, err)

	err = f.bot.HandleMessage(context.Background(), f.platform, inbound("m-1", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent hung up")

	select {
	case event := <-failed:
		assert.Equal(t, "m-1", event.Data["message_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message.failed event")
	}

	assert.Empty(t, f.platform.sentMessages())
}

func TestBot_ChannelMessagesRouteToChannelKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := inbound("m-1", "hello all")
	msg.Channel = "general"
	require.NoError(t, f.bot.HandleMessage(ctx, f.platform, msg))

	conv, err := f.convStore.GetConversationBySessionKey(ctx, "agent:claude:testchat:channel:general")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(conv.SessionKey, ":channel:general"))
}

func TestBot_TypingLoopBalanced(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bot.HandleMessage(context.Background(), f.platform, inbound("m-1", "hi")))
	assert.Equal(t, 0, f.platform.typing)
}
