package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore persists conversations under
// <baseDir>/conversations/<conversationId>/ as conversation.yaml plus an
// append-only turns.jsonl log. Conversations are looked up by session
// key; one conversation survives any number of agent session rotations.
type ConversationStore struct {
	baseDir  string
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	byKey    map[string]string // session key -> conversation id
	turnMeta map[string]*turnIndex
	scanned  bool
}

// turnIndex caches the append-side view of one turn log.
type turnIndex struct {
	lastSeq    int64
	messageIDs map[string]*Turn
}

// AppendTurnInput describes one turn to append. TS defaults to now.
type AppendTurnInput struct {
	TS         *int64
	Role       string
	SessionID  string
	EventRange EventRange
	MessageID  string
	Metadata   map[string]interface{}
}

// NewConversationStore creates a conversation store rooted at baseDir.
func NewConversationStore(baseDir string, eventBus bus.EventBus, log *logger.Logger) *ConversationStore {
	return &ConversationStore{
		baseDir:  baseDir,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "conversation-store")),
		byKey:    make(map[string]string),
		turnMeta: make(map[string]*turnIndex),
	}
}

func (s *ConversationStore) convDir(id string) string {
	return filepath.Join(s.baseDir, "conversations", id)
}

func (s *ConversationStore) metaPath(id string) string {
	return filepath.Join(s.convDir(id), "conversation.yaml")
}

func (s *ConversationStore) turnsPath(id string) string {
	return filepath.Join(s.convDir(id), "turns.jsonl")
}

// GetOrCreateConversation returns the conversation for a session key,
// creating it if none exists.
func (s *ConversationStore) GetOrCreateConversation(ctx context.Context, sessionKey string) (*Conversation, error) {
	if sessionKey == "" {
		return nil, newValidationError("session_key", "must not be empty")
	}

	if conv, err := s.GetConversationBySessionKey(ctx, sessionKey); err == nil {
		return conv, nil
	} else if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	now := nowMillis()
	conv := &Conversation{
		ID:         NewID(),
		SessionKey: sessionKey,
		Status:     ConversationStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := os.MkdirAll(s.convDir(conv.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation dir: %w", err)
	}
	if err := s.writeMeta(conv); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byKey[sessionKey] = conv.ID
	s.mu.Unlock()

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("session_key", sessionKey))
	return conv, nil
}

// GetConversation loads a conversation's metadata by id.
func (s *ConversationStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("failed to read conversation metadata: %w", err)
	}

	var conv Conversation
	if err := yaml.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to parse conversation metadata: %w", err)
	}
	return &conv, nil
}

// GetConversationBySessionKey resolves a session key to its conversation.
func (s *ConversationStore) GetConversationBySessionKey(ctx context.Context, sessionKey string) (*Conversation, error) {
	s.mu.Lock()
	id, ok := s.byKey[sessionKey]
	if !ok && !s.scanned {
		if err := s.scanLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		id, ok = s.byKey[sessionKey]
	}
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: session key %s", ErrConversationNotFound, sessionKey)
	}
	return s.GetConversation(ctx, id)
}

// UpdateConversationStatus transitions a conversation's status.
func (s *ConversationStore) UpdateConversationStatus(ctx context.Context, id, status string) error {
	switch status {
	case ConversationStatusActive, ConversationStatusArchived:
	default:
		return newValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Status = status
	conv.UpdatedAt = nowMillis()
	return s.writeMeta(conv)
}

// AppendTurn appends one turn to the conversation's log. When MessageID
// matches an already recorded turn, the existing turn is returned
// without appending and the emitted turn event carries was_duplicate.
func (s *ConversationStore) AppendTurn(ctx context.Context, convID string, input AppendTurnInput) (*Turn, error) {
	switch input.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, newValidationError("role", fmt.Sprintf("unknown role %q", input.Role))
	}
	if input.SessionID == "" {
		return nil, newValidationError("session_id", "must not be empty")
	}
	if input.EventRange.StartSeq > input.EventRange.EndSeq {
		return nil, newValidationError("event_range", "start_seq must not exceed end_seq")
	}

	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.turnIndexLocked(convID)
	if err != nil {
		return nil, err
	}

	if input.MessageID != "" {
		if existing, ok := idx.messageIDs[input.MessageID]; ok {
			s.publishTurnAppended(ctx, convID, existing, true)
			return existing, nil
		}
	}

	turn := &Turn{
		TS:         nowMillis(),
		Seq:        idx.lastSeq + 1,
		Role:       input.Role,
		SessionID:  input.SessionID,
		EventRange: input.EventRange,
		MessageID:  input.MessageID,
		Metadata:   input.Metadata,
	}
	if input.TS != nil {
		turn.TS = *input.TS
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return nil, fmt.Errorf("failed to encode turn: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.turnsPath(convID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open turn log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close turn log: %w", err)
	}

	idx.lastSeq = turn.Seq
	if turn.MessageID != "" {
		idx.messageIDs[turn.MessageID] = turn
	}

	conv.TurnCount++
	conv.UpdatedAt = nowMillis()
	if err := s.writeMeta(conv); err != nil {
		return nil, err
	}

	s.publishTurnAppended(ctx, convID, turn, false)
	return turn, nil
}

// ReadTurns returns all turns of a conversation in append order.
// Malformed lines are skipped; if any were, a turn.recovered event
// reports the recovered/skipped counts.
func (s *ConversationStore) ReadTurns(ctx context.Context, convID string) ([]Turn, error) {
	data, err := os.ReadFile(s.turnsPath(convID))
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(s.convDir(convID)); statErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read turn log: %w", err)
	}

	lines, partial := splitLog(data)
	if partial {
		s.logger.Warn("skipping partial trailing line in turn log",
			zap.String("conversation_id", convID))
	}

	var turns []Turn
	skipped := 0
	for i, line := range lines {
		var turn Turn
		if err := json.Unmarshal(line, &turn); err != nil {
			skipped++
			s.logger.Warn("skipping malformed turn line",
				zap.String("conversation_id", convID),
				zap.Int("line", i+1),
				zap.Error(err))
			continue
		}
		turns = append(turns, turn)
	}

	if skipped > 0 && s.eventBus != nil {
		event := bus.NewEvent(events.TurnRecovered, "conversation-store", map[string]interface{}{
			"conversation_id": convID,
			"recovered":       len(turns),
			"skipped":         skipped,
		})
		if err := s.eventBus.Publish(ctx, events.TurnRecovered, event); err != nil {
			s.logger.Warn("failed to publish turn recovery event", zap.Error(err))
		}
	}
	return turns, nil
}

func (s *ConversationStore) writeMeta(conv *Conversation) error {
	data, err := yaml.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(conv.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write conversation metadata: %w", err)
	}
	return nil
}

// scanLocked rebuilds the session-key index from disk. Runs once.
func (s *ConversationStore) scanLocked() error {
	s.scanned = true

	root := filepath.Join(s.baseDir, "conversations")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to scan conversations: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name(), "conversation.yaml"))
		if err != nil {
			continue
		}
		var conv Conversation
		if yaml.Unmarshal(data, &conv) != nil || conv.SessionKey == "" {
			continue
		}
		s.byKey[conv.SessionKey] = conv.ID
	}
	return nil
}

func (s *ConversationStore) turnIndexLocked(convID string) (*turnIndex, error) {
	if idx, ok := s.turnMeta[convID]; ok {
		return idx, nil
	}

	idx := &turnIndex{lastSeq: -1, messageIDs: make(map[string]*Turn)}

	data, err := os.ReadFile(s.turnsPath(convID))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read turn log: %w", err)
	}
	if err == nil {
		lines, _ := splitLog(data)
		for _, line := range lines {
			var turn Turn
			if json.Unmarshal(line, &turn) != nil {
				continue
			}
			if turn.Seq > idx.lastSeq {
				idx.lastSeq = turn.Seq
			}
			if turn.MessageID != "" {
				t := turn
				idx.messageIDs[turn.MessageID] = &t
			}
		}
	}

	s.turnMeta[convID] = idx
	return idx, nil
}

func (s *ConversationStore) publishTurnAppended(ctx context.Context, convID string, turn *Turn, wasDuplicate bool) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.TurnAppended, "conversation-store", map[string]interface{}{
		"conversation_id": convID,
		"seq":             turn.Seq,
		"role":            turn.Role,
		"message_id":      turn.MessageID,
		"was_duplicate":   wasDuplicate,
	})
	if err := s.eventBus.Publish(ctx, events.TurnAppended, event); err != nil {
		s.logger.Warn("failed to publish turn event", zap.Error(err))
	}
}
