// Package bot glues the platform adapters to the session, memory, and
// agent layers: one inbound message in, one agent turn out, everything
// recorded in the event log on the way through.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
	"github.com/kynetic/kbot/internal/memory"
	"github.com/kynetic/kbot/internal/session"
	"github.com/kynetic/kbot/internal/shadow"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

const defaultIdentityPrompt = "You are a coding assistant embedded in a chat workspace. " +
	"Answer conversationally, keep replies concise, and use your tools when a question needs them."

// AgentConn is the slice of the ACP client the bot drives. Satisfied by
// acp.Client.
type AgentConn interface {
	NewSession(ctx context.Context, cwd string) (string, error)
	Prompt(ctx context.Context, sessionID, role, text string) (*jsonrpc.SessionPromptResult, error)
	SetUpdateHandler(h func(update jsonrpc.SessionUpdateParams))
}

// Deps carries the collaborators the bot orchestrates. Usage, Shadow,
// and Stderr are optional.
type Deps struct {
	Config       *config.Config
	AgentType    string
	Agent        AgentConn
	Stderr       session.StderrProvider
	Sessions     *session.LifecycleManager
	Usage        *session.UsageTracker
	Restorer     *session.ContextRestorer
	SessionStore *memory.SessionStore
	ConvStore    *memory.ConversationStore
	Shadow       *shadow.Scheduler
	EventBus     bus.EventBus
	Logger       *logger.Logger
}

// binding ties one store session to its ACP counterpart and
// accumulates the streamed reply for the in-flight turn.
type binding struct {
	storeID string
	acpID   string

	mu      sync.Mutex
	reply   strings.Builder
	lastSeq int64
}

// Bot routes normalized messages through session lifecycle, context
// restoration, the agent, and the memory stores.
type Bot struct {
	deps   Deps
	logger *logger.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	byStore  map[string]*binding
	byACPSID map[string]*binding
}

// New creates a bot and installs its update handler on the agent conn.
func New(deps Deps) *Bot {
	b := &Bot{
		deps:     deps,
		logger:   deps.Logger.WithFields(zap.String("component", "bot")),
		tracer:   otel.Tracer("kbot/bot"),
		byStore:  make(map[string]*binding),
		byACPSID: make(map[string]*binding),
	}
	deps.Agent.SetUpdateHandler(b.onUpdate)
	return b
}

// HandleMessage runs one full interaction for an inbound message. All
// steps for the same session key are serialized under its lock.
func (b *Bot) HandleMessage(ctx context.Context, platform Platform, msg NormalizedMessage) error {
	key, err := b.routeKey(platform, msg)
	if err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "bot.handleMessage", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("platform", platform.Name()),
		attribute.String("session.key", key.String()),
	))
	defer span.End()

	var bnd *binding
	err = b.deps.Sessions.WithKeyLock(key, func() error {
		var lockedErr error
		bnd, lockedErr = b.handleLocked(ctx, platform, key, msg)
		return lockedErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message handling failed")
		b.publish(events.MessageFailed, map[string]interface{}{
			"message_id":  msg.ID,
			"session_key": key.String(),
			"error":       err.Error(),
		})
		return err
	}

	// The usage probe can wait out its full timeout; it runs outside
	// the key lock so the next message on this key is not held up.
	b.checkUsage(ctx, key, bnd)

	b.publish(events.MessageHandled, map[string]interface{}{
		"message_id":  msg.ID,
		"session_key": key.String(),
	})
	return nil
}

func (b *Bot) handleLocked(ctx context.Context, platform Platform, key session.Key, msg NormalizedMessage) (*binding, error) {
	conv, err := b.deps.ConvStore.GetOrCreateConversation(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	sessionID, fresh, err := b.deps.Sessions.GetOrCreateSession(ctx, key, b.sessionFactory(key, conv.ID))
	if err != nil {
		return nil, err
	}

	bnd := b.bindingByStore(sessionID)
	if bnd == nil {
		return nil, fmt.Errorf("no agent binding for session %s", sessionID)
	}

	if fresh {
		if err := b.sendSystemPrompt(ctx, bnd, conv.ID); err != nil {
			return nil, err
		}
	}

	platform.StartTypingLoop(msg.Channel)
	defer platform.StopTypingLoop(msg.Channel)

	userSeq, err := b.appendEvent(ctx, bnd, memory.EventPromptSent, "", map[string]interface{}{
		"role":    "user",
		"content": msg.Text,
	})
	if err != nil {
		return nil, err
	}

	bnd.mu.Lock()
	bnd.reply.Reset()
	bnd.mu.Unlock()

	promptCtx, span := b.tracer.Start(ctx, "acp.prompt",
		trace.WithAttributes(attribute.String("session.id", bnd.acpID)))
	result, err := b.deps.Agent.Prompt(promptCtx, bnd.acpID, "user", msg.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt failed")
		span.End()
		return nil, fmt.Errorf("agent prompt failed: %w", err)
	}
	span.End()

	// Closing note bounds the assistant's event range even when the
	// turn streamed nothing.
	endSeq, err := b.appendEvent(ctx, bnd, memory.EventNote, "", map[string]interface{}{
		"stop_reason": result.StopReason,
	})
	if err != nil {
		return nil, err
	}

	if _, err := b.deps.ConvStore.AppendTurn(ctx, conv.ID, memory.AppendTurnInput{
		Role:       "user",
		SessionID:  sessionID,
		EventRange: memory.EventRange{StartSeq: userSeq, EndSeq: userSeq},
		MessageID:  msg.ID,
	}); err != nil {
		return nil, fmt.Errorf("failed to append user turn: %w", err)
	}
	if _, err := b.deps.ConvStore.AppendTurn(ctx, conv.ID, memory.AppendTurnInput{
		Role:       "assistant",
		SessionID:  sessionID,
		EventRange: memory.EventRange{StartSeq: userSeq + 1, EndSeq: endSeq},
	}); err != nil {
		return nil, fmt.Errorf("failed to append assistant turn: %w", err)
	}

	bnd.mu.Lock()
	reply := bnd.reply.String()
	bnd.mu.Unlock()

	if reply != "" {
		if _, err := platform.SendMessage(ctx, msg.Channel, reply); err != nil {
			return nil, fmt.Errorf("failed to deliver reply: %w", err)
		}
	}

	return bnd, nil
}

// sessionFactory creates the paired ACP and store sessions for a key.
func (b *Bot) sessionFactory(key session.Key, convID string) session.Factory {
	return func(ctx context.Context) (string, error) {
		acpID, err := b.deps.Agent.NewSession(ctx, b.deps.Config.Agent.WorkDir)
		if err != nil {
			return "", fmt.Errorf("agent session creation failed: %w", err)
		}

		stored, err := b.deps.SessionStore.CreateSession(ctx, memory.CreateSessionInput{
			ConversationID: convID,
			AgentType:      b.deps.AgentType,
			SessionKey:     key.String(),
		})
		if err != nil {
			return "", err
		}

		bnd := &binding{storeID: stored.ID, acpID: acpID}
		b.mu.Lock()
		b.byStore[stored.ID] = bnd
		b.byACPSID[acpID] = bnd
		b.mu.Unlock()

		if _, err := b.appendEvent(ctx, bnd, memory.EventSessionStart, "", map[string]interface{}{
			"session_key": key.String(),
			"agent_type":  b.deps.AgentType,
		}); err != nil {
			return "", err
		}
		return stored.ID, nil
	}
}

// sendSystemPrompt primes a fresh session: the identity prompt for a
// brand-new conversation, the restoration prompt when history exists.
func (b *Bot) sendSystemPrompt(ctx context.Context, bnd *binding, convID string) error {
	turns, err := b.deps.ConvStore.ReadTurns(ctx, convID)
	if err != nil {
		return err
	}

	prompt := b.deps.Config.Agent.IdentityPrompt
	if prompt == "" {
		prompt = defaultIdentityPrompt
	}
	kind := "identity"

	if len(turns) > 0 {
		restored, err := b.deps.Restorer.BuildPrompt(ctx, convID, turns)
		if err != nil {
			return fmt.Errorf("context restoration failed: %w", err)
		}
		if !restored.Skipped {
			prompt = restored.Prompt
			kind = "restoration"
		}
	}

	if _, err := b.deps.Agent.Prompt(ctx, bnd.acpID, "system", prompt); err != nil {
		return fmt.Errorf("system prompt failed: %w", err)
	}

	_, err = b.appendEvent(ctx, bnd, memory.EventPromptSent, "", map[string]interface{}{
		"role": "system",
		"kind": kind,
	})
	return err
}

// onUpdate streams agent updates into the owning session's event log.
func (b *Bot) onUpdate(update jsonrpc.SessionUpdateParams) {
	b.mu.Lock()
	bnd := b.byACPSID[update.SessionID]
	b.mu.Unlock()
	if bnd == nil {
		b.logger.Warn("update for unknown agent session",
			zap.String("session_id", update.SessionID))
		return
	}

	ctx := context.Background()
	switch update.Update.UpdateType {
	case jsonrpc.UpdateAgentMessageChunk:
		if update.Update.Content == nil {
			return
		}
		bnd.mu.Lock()
		bnd.reply.WriteString(update.Update.Content.Text)
		bnd.mu.Unlock()
		_, _ = b.appendEvent(ctx, bnd, memory.EventMessageChunk, "", map[string]interface{}{
			"content": update.Update.Content.Text,
		})

	case jsonrpc.UpdateToolCall:
		call := update.Update.ToolCall
		if call == nil {
			return
		}
		_, _ = b.appendEvent(ctx, bnd, memory.EventToolCall, call.CallID, map[string]interface{}{
			"call_id": call.CallID,
			"name":    call.Name,
			"input":   string(call.Input),
			"status":  call.Status,
		})

	case jsonrpc.UpdateToolResult:
		res := update.Update.ToolResult
		if res == nil {
			return
		}
		data := map[string]interface{}{
			"call_id": res.CallID,
			"status":  res.Status,
			"output":  res.Output,
		}
		if res.ExitCode != nil {
			data["exit_code"] = *res.ExitCode
		}
		_, _ = b.appendEvent(ctx, bnd, memory.EventToolResult, res.CallID, data)

	default:
		b.logger.Debug("ignoring agent update",
			zap.String("update_type", update.Update.UpdateType))
	}
}

// appendEvent writes one session event and feeds the shadow scheduler.
func (b *Bot) appendEvent(ctx context.Context, bnd *binding, eventType, traceID string, data map[string]interface{}) (int64, error) {
	result, err := b.deps.SessionStore.AppendEvent(ctx, memory.AppendEventInput{
		SessionID: bnd.storeID,
		Type:      eventType,
		TraceID:   traceID,
		Data:      data,
	})
	if err != nil {
		b.logger.Error("event append failed",
			zap.String("session_id", bnd.storeID),
			zap.String("type", eventType),
			zap.Error(err))
		return 0, err
	}

	bnd.mu.Lock()
	bnd.lastSeq = result.Seq
	bnd.mu.Unlock()

	if b.deps.Shadow != nil {
		b.deps.Shadow.RecordEvent(ctx)
	}
	return result.Seq, nil
}

func (b *Bot) checkUsage(ctx context.Context, key session.Key, bnd *binding) {
	if bnd == nil || b.deps.Usage == nil || b.deps.Stderr == nil {
		return
	}
	update := b.deps.Usage.CheckUsage(ctx, bnd.acpID, b.deps.Agent, b.deps.Stderr)
	if update == nil {
		return
	}
	// Only the store step needs the key lock.
	_ = b.deps.Sessions.WithKeyLock(key, func() error {
		b.deps.Sessions.UpdateContextUsage(key, update)
		return nil
	})
}

// routeKey maps a message to its session key: channel peers for group
// contexts, user peers for direct messages.
func (b *Bot) routeKey(platform Platform, msg NormalizedMessage) (session.Key, error) {
	if msg.Channel != "" && msg.Channel != msg.Sender.ID {
		return session.NewKey(b.deps.AgentType, platform.Name(), session.PeerKindChannel, msg.Channel)
	}
	return session.NewKey(b.deps.AgentType, platform.Name(), session.PeerKindUser, msg.Sender.ID)
}

func (b *Bot) bindingByStore(id string) *binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byStore[id]
}

func (b *Bot) publish(eventType string, data map[string]interface{}) {
	if b.deps.EventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "bot", data)
	if err := b.deps.EventBus.Publish(context.Background(), eventType, event); err != nil {
		b.logger.Warn("failed to publish bot event",
			zap.String("type", eventType), zap.Error(err))
	}
}
