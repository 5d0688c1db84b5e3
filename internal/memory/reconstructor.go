package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/events"
	"github.com/kynetic/kbot/internal/events/bus"
)

const maxToolInputChars = 100

// EventReader is the slice of SessionStore the reconstructor needs.
type EventReader interface {
	ReadEvents(ctx context.Context, id string, rng *EventRange) ([]SessionEvent, error)
}

// ReconstructOptions tune content reconstruction.
type ReconstructOptions struct {
	// SummarizeTools renders tool.call/tool.result pairs as one-line
	// summaries instead of skipping them.
	SummarizeTools bool
}

// ReconstructionResult is the materialized content of an event range.
type ReconstructionResult struct {
	Content       string
	HasGaps       bool
	EventsRead    int
	EventsMissing int
}

// TurnReconstructor materializes turn content from the event log. Turns
// only store seq ranges; missing seqs inside a range are tolerated and
// rendered as gap markers so a damaged log still yields usable history.
type TurnReconstructor struct {
	reader   EventReader
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewTurnReconstructor creates a reconstructor over the given event source.
func NewTurnReconstructor(reader EventReader, eventBus bus.EventBus, log *logger.Logger) *TurnReconstructor {
	return &TurnReconstructor{
		reader:   reader,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "turn-reconstructor")),
	}
}

// ReconstructContent reads events in [StartSeq, EndSeq] inclusive and
// concatenates their content in seq order. Every maximal run of missing
// seqs produces exactly one "[gap: events X-Y missing]" marker at its
// position.
func (r *TurnReconstructor) ReconstructContent(ctx context.Context, sessionID string, rng EventRange, opts ReconstructOptions) (*ReconstructionResult, error) {
	if sessionID == "" {
		return nil, newValidationError("session_id", "must not be empty")
	}
	if rng.StartSeq > rng.EndSeq {
		return nil, newValidationError("event_range", "start_seq must not exceed end_seq")
	}

	eventsInRange, err := r.reader.ReadEvents(ctx, sessionID, &rng)
	if err != nil {
		return nil, err
	}
	sort.Slice(eventsInRange, func(i, j int) bool { return eventsInRange[i].Seq < eventsInRange[j].Seq })

	bySeq := make(map[int64]*SessionEvent, len(eventsInRange))
	for i := range eventsInRange {
		bySeq[eventsInRange[i].Seq] = &eventsInRange[i]
	}

	var b strings.Builder
	result := &ReconstructionResult{EventsRead: len(eventsInRange)}
	consumed := make(map[int64]bool)

	for seq := rng.StartSeq; seq <= rng.EndSeq; seq++ {
		event, ok := bySeq[seq]
		if !ok {
			// Extend to the end of this missing run and emit one marker.
			runEnd := seq
			for runEnd+1 <= rng.EndSeq {
				if _, present := bySeq[runEnd+1]; present {
					break
				}
				runEnd++
			}
			b.WriteString(fmt.Sprintf("[gap: events %d-%d missing]", seq, runEnd))
			result.HasGaps = true
			result.EventsMissing += int(runEnd - seq + 1)
			seq = runEnd
			continue
		}
		if consumed[seq] {
			continue
		}

		if opts.SummarizeTools && event.Type == EventToolCall {
			summary, resultSeq := r.summarizeToolCall(event, eventsInRange)
			b.WriteString(summary)
			if resultSeq >= 0 {
				consumed[resultSeq] = true
			}
			continue
		}

		b.WriteString(extractContent(event))
	}

	result.Content = b.String()
	r.publishCompleted(ctx, sessionID, rng, result)
	return result, nil
}

// summarizeToolCall renders a tool.call as a one-line summary, folding
// in the matching tool.result (paired by call_id, falling back to
// trace_id) when present. Returns the seq of the consumed result event,
// or -1.
func (r *TurnReconstructor) summarizeToolCall(call *SessionEvent, all []SessionEvent) (string, int64) {
	name := dataString(call.Data, "name")
	input := truncateToolInput(dataString(call.Data, "input"), maxToolInputChars)
	callID := dataString(call.Data, "call_id")

	status := "pending"
	outcome := ""
	resultSeq := int64(-1)

	for i := range all {
		candidate := &all[i]
		if candidate.Type != EventToolResult || candidate.Seq <= call.Seq {
			continue
		}
		matched := callID != "" && dataString(candidate.Data, "call_id") == callID
		if !matched && call.TraceID != "" {
			matched = candidate.TraceID == call.TraceID
		}
		if !matched {
			continue
		}
		if s := dataString(candidate.Data, "status"); s != "" {
			status = s
		}
		outcome = dataString(candidate.Data, "output")
		resultSeq = candidate.Seq
		break
	}

	return fmt.Sprintf("[tool: %s | %s | %s | %s]", name, input, status, outcome), resultSeq
}

func (r *TurnReconstructor) publishCompleted(ctx context.Context, sessionID string, rng EventRange, result *ReconstructionResult) {
	if r.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.ReconstructionCompleted, "turn-reconstructor", map[string]interface{}{
		"session_id":     sessionID,
		"start_seq":      rng.StartSeq,
		"end_seq":        rng.EndSeq,
		"events_read":    result.EventsRead,
		"events_missing": result.EventsMissing,
		"has_gaps":       result.HasGaps,
	})
	if err := r.eventBus.Publish(ctx, events.ReconstructionCompleted, event); err != nil {
		r.logger.Warn("failed to publish reconstruction event", zap.Error(err))
	}
}

// extractContent pulls the renderable text out of one event.
func extractContent(event *SessionEvent) string {
	switch event.Type {
	case EventPromptSent, EventMessageChunk:
		return dataString(event.Data, "content")
	case EventSessionUpdate:
		payload, ok := event.Data["payload"].(map[string]interface{})
		if !ok {
			return ""
		}
		if updateType, _ := payload["update_type"].(string); updateType != "agent_message_chunk" {
			return ""
		}
		content, ok := payload["content"].(map[string]interface{})
		if !ok {
			return ""
		}
		text, _ := content["text"].(string)
		return text
	default:
		return ""
	}
}

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	switch v := data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// truncateToolInput shortens a tool input to max characters. Inputs that
// look like filesystem paths keep their tail, which is the part that
// identifies the file.
func truncateToolInput(input string, max int) string {
	if len(input) <= max {
		return input
	}
	if strings.Contains(input, "/") {
		return "..." + input[len(input)-(max-3):]
	}
	return input[:max-3] + "..."
}
