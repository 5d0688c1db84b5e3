package session

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
	"github.com/kynetic/kbot/pkg/acp/jsonrpc"
)

const usagePrompt = "/usage"

const (
	usageBlockStart = "<local-command-stdout>"
	usageBlockEnd   = "</local-command-stdout>"
)

var (
	usageModelRe = regexp.MustCompile(`(?m)^Model:\s*(.+)$`)
	usageTotalRe = regexp.MustCompile(`([\d,]+)\s*/\s*([\d,]+)\s*tokens?\s*\((\d+(?:\.\d+)?)%\)`)
	usageCatRe   = regexp.MustCompile(`^([A-Za-z][A-Za-z ]*?):\s*([\d,]+)\s*tokens`)
)

// ContextUsageUpdate is one observation of the agent's context window.
// Percentage is a 0..1 fraction.
type ContextUsageUpdate struct {
	SessionID     string
	Model         string
	CurrentTokens int
	MaxTokens     int
	Percentage    float64
	Categories    map[string]int
	ObservedAt    int64
}

// Prompter sends prompts into an agent session. Satisfied by the ACP client.
type Prompter interface {
	Prompt(ctx context.Context, sessionID, role, text string) (*jsonrpc.SessionPromptResult, error)
}

// StderrProvider streams the agent's stderr lines. The cancel func
// releases the subscription.
type StderrProvider interface {
	Subscribe() (<-chan string, func())
}

// UsageTracker observes agent context consumption by issuing a /usage
// system prompt and parsing the reply block from the agent's stderr
// side channel. Failures never propagate: callers always get the
// last-known value (possibly nil) so the message path never stalls on
// usage bookkeeping.
type UsageTracker struct {
	cfg      config.UsageConfig
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	cache     map[string]*ContextUsageUpdate
	lastCheck map[string]time.Time
}

// NewUsageTracker creates a usage tracker.
func NewUsageTracker(cfg config.UsageConfig, eventBus bus.EventBus, log *logger.Logger) *UsageTracker {
	return &UsageTracker{
		cfg:       cfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "usage-tracker")),
		cache:     make(map[string]*ContextUsageUpdate),
		lastCheck: make(map[string]time.Time),
	}
}

// LastKnown returns the cached usage for a session, if any.
func (t *UsageTracker) LastKnown(sessionID string) *ContextUsageUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache[sessionID]
}

// CheckUsage queries the agent for current context usage. Calls within
// the debounce interval return the cached value without contacting the
// agent. On timeout or parse failure the last-known value is returned.
func (t *UsageTracker) CheckUsage(ctx context.Context, sessionID string, prompter Prompter, stderr StderrProvider) *ContextUsageUpdate {
	t.mu.Lock()
	if last, ok := t.lastCheck[sessionID]; ok && time.Since(last) < t.cfg.DebounceInterval() {
		cached := t.cache[sessionID]
		t.mu.Unlock()
		return cached
	}
	t.lastCheck[sessionID] = time.Now()
	t.mu.Unlock()

	update, err := t.queryAgent(ctx, sessionID, prompter, stderr)
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "timed out") {
			t.logger.Warn("usage check timed out", zap.String("session_id", sessionID))
			t.publish(events.UsageTimeout, map[string]interface{}{"session_id": sessionID})
		} else {
			t.logger.Warn("usage check failed",
				zap.String("session_id", sessionID), zap.Error(err))
			t.publish(events.UsageError, map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		return t.LastKnown(sessionID)
	}

	t.mu.Lock()
	t.cache[sessionID] = update
	t.mu.Unlock()

	t.publish(events.UsageUpdate, map[string]interface{}{
		"session_id":     sessionID,
		"model":          update.Model,
		"current_tokens": update.CurrentTokens,
		"max_tokens":     update.MaxTokens,
		"percentage":     update.Percentage,
	})
	return update
}

func (t *UsageTracker) queryAgent(ctx context.Context, sessionID string, prompter Prompter, stderr StderrProvider) (*ContextUsageUpdate, error) {
	queryCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout())
	defer cancel()

	lines, unsubscribe := stderr.Subscribe()
	defer unsubscribe()

	// The prompt call may outlive the block we are waiting for; run it
	// detached and watch stderr for the delimited reply.
	promptErr := make(chan error, 1)
	go func() {
		_, err := prompter.Prompt(queryCtx, sessionID, jsonrpc.RoleSystem, usagePrompt)
		promptErr <- err
	}()

	var block strings.Builder
	inBlock := false

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil, fmt.Errorf("stderr stream closed before usage block")
			}
			if !inBlock {
				if strings.Contains(line, usageBlockStart) {
					inBlock = true
				}
				continue
			}
			if strings.Contains(line, usageBlockEnd) {
				return parseUsageBlock(sessionID, block.String())
			}
			block.WriteString(line)
			block.WriteString("\n")
		case err := <-promptErr:
			if err != nil {
				return nil, fmt.Errorf("usage prompt failed: %w", err)
			}
			// Turn finished; keep draining stderr until the block
			// closes or the timeout hits.
			promptErr = nil
		case <-queryCtx.Done():
			return nil, fmt.Errorf("usage check timed out after %s", t.cfg.Timeout())
		}
	}
}

// parseUsageBlock extracts model, totals, and per-category token rows.
func parseUsageBlock(sessionID, block string) (*ContextUsageUpdate, error) {
	total := usageTotalRe.FindStringSubmatch(block)
	if total == nil {
		return nil, fmt.Errorf("no token totals in usage block")
	}

	current, err := parseTokenCount(total[1])
	if err != nil {
		return nil, err
	}
	max, err := parseTokenCount(total[2])
	if err != nil {
		return nil, err
	}
	pct, err := strconv.ParseFloat(total[3], 64)
	if err != nil {
		return nil, fmt.Errorf("bad percentage %q: %w", total[3], err)
	}

	update := &ContextUsageUpdate{
		SessionID:     sessionID,
		CurrentTokens: current,
		MaxTokens:     max,
		Percentage:    pct / 100,
		Categories:    make(map[string]int),
		ObservedAt:    nowMillis(),
	}
	if m := usageModelRe.FindStringSubmatch(block); m != nil {
		update.Model = strings.TrimSpace(m[1])
	}

	for _, line := range strings.Split(block, "\n") {
		if strings.Contains(line, "/") {
			// The totals row, already handled.
			continue
		}
		cat := usageCatRe.FindStringSubmatch(strings.TrimSpace(line))
		if cat == nil {
			continue
		}
		tokens, err := parseTokenCount(cat[2])
		if err != nil {
			continue
		}
		update.Categories[cat[1]] = tokens
	}
	return update, nil
}

func parseTokenCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil {
		return 0, fmt.Errorf("bad token count %q: %w", s, err)
	}
	return n, nil
}

func (t *UsageTracker) publish(eventType string, data map[string]interface{}) {
	if t.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "usage-tracker", data)
	if err := t.eventBus.Publish(context.Background(), eventType, event); err != nil {
		t.logger.Warn("failed to publish usage event",
			zap.String("type", eventType), zap.Error(err))
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
