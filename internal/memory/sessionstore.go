package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kynetic/kbot/internal/common/logger"
)

// ErrSessionNotFound is returned when a session id has no directory on disk.
var ErrSessionNotFound = errors.New("session not found")

const appendLockTimeout = 5 * time.Second

// SessionStore persists agent sessions under
// <baseDir>/agent-sessions/<sessionId>/ as a session.yaml metadata file
// plus an append-only events.jsonl log. The store is the single writer
// for each session's log within the process; a file lock guards appends
// against a concurrent supervisor generation still flushing.
type SessionStore struct {
	baseDir string
	logger  *logger.Logger

	mu      sync.Mutex
	lastSeq map[string]int64
}

// CreateSessionInput describes a new agent session.
type CreateSessionInput struct {
	ConversationID string
	AgentType      string
	SessionKey     string
}

// AppendEventInput describes one event to append. TS and Seq are
// auto-assigned when left nil.
type AppendEventInput struct {
	SessionID string
	Type      string
	TS        *int64
	Seq       *int64
	TraceID   string
	Data      map[string]interface{}
}

// AppendEventResult reports the assigned position of an appended event.
type AppendEventResult struct {
	TS  int64
	Seq int64
}

// NewSessionStore creates a session store rooted at baseDir.
func NewSessionStore(baseDir string, log *logger.Logger) *SessionStore {
	return &SessionStore{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "session-store")),
		lastSeq: make(map[string]int64),
	}
}

func (s *SessionStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, "agent-sessions", id)
}

func (s *SessionStore) metaPath(id string) string {
	return filepath.Join(s.sessionDir(id), "session.yaml")
}

func (s *SessionStore) eventsPath(id string) string {
	return filepath.Join(s.sessionDir(id), "events.jsonl")
}

// CreateSession allocates a new session id, writes its metadata file,
// and returns the session record.
func (s *SessionStore) CreateSession(ctx context.Context, input CreateSessionInput) (*AgentSession, error) {
	if input.AgentType == "" {
		return nil, newValidationError("agent_type", "must not be empty")
	}

	session := &AgentSession{
		ID:             NewID(),
		ConversationID: input.ConversationID,
		AgentType:      input.AgentType,
		SessionKey:     input.SessionKey,
		Status:         SessionStatusActive,
		StartedAt:      nowMillis(),
	}

	if err := os.MkdirAll(s.sessionDir(session.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := s.writeMeta(session); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSeq[session.ID] = -1
	s.mu.Unlock()

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("agent_type", session.AgentType),
		zap.String("session_key", session.SessionKey))
	return session, nil
}

// GetSession loads a session's metadata.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*AgentSession, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var session AgentSession
	if err := yaml.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &session, nil
}

// UpdateSessionStatus transitions a session's status. endedAt of zero
// leaves the existing value in place.
func (s *SessionStore) UpdateSessionStatus(ctx context.Context, id, status string, endedAt int64) error {
	switch status {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusAbandoned:
	default:
		return newValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	session.Status = status
	if endedAt != 0 {
		session.EndedAt = endedAt
	}
	return s.writeMeta(session)
}

// AppendEvent validates, assigns ts/seq, and appends one event to the
// session's log as a single newline-terminated JSON line. The trailing
// newline is what lets readers detect a crash-interrupted partial write.
func (s *SessionStore) AppendEvent(ctx context.Context, input AppendEventInput) (*AppendEventResult, error) {
	if input.SessionID == "" {
		return nil, newValidationError("session_id", "must not be empty")
	}
	if !validEventTypes[input.Type] {
		return nil, newValidationError("type", fmt.Sprintf("unknown event type %q", input.Type))
	}
	if _, err := os.Stat(s.sessionDir(input.SessionID)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, input.SessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastSeqLocked(input.SessionID)
	if err != nil {
		return nil, err
	}

	event := SessionEvent{
		TS:        nowMillis(),
		Seq:       last + 1,
		Type:      input.Type,
		SessionID: input.SessionID,
		TraceID:   input.TraceID,
		Data:      input.Data,
	}
	if input.TS != nil {
		event.TS = *input.TS
	}
	if input.Seq != nil {
		event.Seq = *input.Seq
	}

	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	line = append(line, '\n')

	if err := s.appendLine(ctx, s.eventsPath(input.SessionID), line); err != nil {
		return nil, err
	}

	if event.Seq > last {
		s.lastSeq[input.SessionID] = event.Seq
	}
	return &AppendEventResult{TS: event.TS, Seq: event.Seq}, nil
}

// ReadEvents returns the session's events, optionally restricted to an
// inclusive seq range. Malformed lines and a trailing partial line are
// skipped with a warning.
func (s *SessionStore) ReadEvents(ctx context.Context, id string, rng *EventRange) ([]SessionEvent, error) {
	if id == "" {
		return nil, newValidationError("session_id", "must not be empty")
	}
	if rng != nil && rng.StartSeq > rng.EndSeq {
		return nil, newValidationError("event_range", "start_seq must not exceed end_seq")
	}

	data, err := os.ReadFile(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(s.sessionDir(id)); statErr != nil {
				return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	lines, partial := splitLog(data)
	if partial {
		s.logger.Warn("skipping partial trailing line in event log",
			zap.String("session_id", id))
	}

	var events []SessionEvent
	for i, line := range lines {
		var event SessionEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("skipping malformed event line",
				zap.String("session_id", id),
				zap.Int("line", i+1),
				zap.Error(err))
			continue
		}
		if rng != nil && (event.Seq < rng.StartSeq || event.Seq > rng.EndSeq) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *SessionStore) writeMeta(session *AgentSession) error {
	data, err := yaml.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(session.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	return nil
}

func (s *SessionStore) lastSeqLocked(id string) (int64, error) {
	if seq, ok := s.lastSeq[id]; ok {
		return seq, nil
	}

	last := int64(-1)
	data, err := os.ReadFile(s.eventsPath(id))
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}
	if err == nil {
		lines, _ := splitLog(data)
		for _, line := range lines {
			var event SessionEvent
			if json.Unmarshal(line, &event) == nil && event.Seq > last {
				last = event.Seq
			}
		}
	}
	s.lastSeq[id] = last
	return last, nil
}

// appendLine appends under a cross-process file lock.
func (s *SessionStore) appendLine(ctx context.Context, path string, line []byte) error {
	fl := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, appendLockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("failed to lock event log %s: %w", path, err)
	}
	defer func() {
		_ = fl.Unlock()
	}()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// splitLog splits a jsonl payload into complete lines. The second
// return value reports whether a trailing partial line was discarded.
func splitLog(data []byte) ([][]byte, bool) {
	partial := len(data) > 0 && data[len(data)-1] != '\n'

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	if partial && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	return lines, partial
}
