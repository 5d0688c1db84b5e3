package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/memory"
)

// SummaryProvider condenses archived history into a short summary.
type SummaryProvider interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// RestoreResult reports what went into a restoration prompt.
type RestoreResult struct {
	Prompt        string
	Skipped       bool
	SummaryFailed bool
	RecentTurns   int
	ArchivedTurns int
}

// ContextRestorer composes the system prompt that lets a fresh agent
// session pick up an existing conversation: a budgeted slice of recent
// turns, an optional summary of everything older, and a pointer to the
// full on-disk history.
type ContextRestorer struct {
	cfg        config.RestoreConfig
	baseDir    string
	selector   *TurnSelector
	summarizer *ToolSummarizer
	summary    SummaryProvider
	logger     *logger.Logger
}

// NewContextRestorer creates a restorer. summary may be nil, in which
// case archived history is referenced by path only.
func NewContextRestorer(cfg config.RestoreConfig, baseDir string, selector *TurnSelector, summarizer *ToolSummarizer, summary SummaryProvider, log *logger.Logger) *ContextRestorer {
	return &ContextRestorer{
		cfg:        cfg,
		baseDir:    baseDir,
		selector:   selector,
		summarizer: summarizer,
		summary:    summary,
		logger:     log.WithFields(zap.String("component", "context-restorer")),
	}
}

// BuildPrompt produces the restoration prompt for a conversation. A
// conversation with no prior turns is skipped.
func (r *ContextRestorer) BuildPrompt(ctx context.Context, conversationID string, turns []memory.Turn) (*RestoreResult, error) {
	if len(turns) == 0 {
		return &RestoreResult{Skipped: true}, nil
	}

	selection, err := r.selector.SelectTurns(ctx, turns)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		RecentTurns:   len(selection.Selected),
		ArchivedTurns: selection.ExcludedCount,
	}

	// The archive is everything the selector left out. Membership, not
	// position: a turn skipped mid-walk leaves the kept set non-contiguous.
	selectedSeqs := make(map[int64]bool, len(selection.Selected))
	for _, tc := range selection.Selected {
		selectedSeqs[tc.Turn.Seq] = true
	}
	var archive []memory.Turn
	for _, turn := range turns {
		if !selectedSeqs[turn.Seq] {
			archive = append(archive, turn)
		}
	}

	summaryText := ""
	if len(archive) > 0 && r.summary != nil {
		summaryText, err = r.summarizeArchive(ctx, archive)
		if err != nil {
			r.logger.Warn("archive summary failed, continuing with recent turns only",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			result.SummaryFailed = true
			summaryText = ""
		}
	}

	var b strings.Builder
	b.WriteString("## Session Context\n\n")
	b.WriteString("You are resuming an ongoing conversation after a session restart. ")
	b.WriteString("The context below replays what happened so far.\n\n")

	if summaryText != "" {
		b.WriteString("### Summary of Earlier Conversation\n\n")
		b.WriteString(summaryText)
		b.WriteString("\n\n")
	}

	b.WriteString("### Recent Conversation History\n\n")
	b.WriteString("---\n")
	for _, tc := range selection.Selected {
		b.WriteString(tc.Turn.Role)
		b.WriteString(": ")
		b.WriteString(r.clampTurn(tc.Content))
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")

	b.WriteString("### Archived History\n\n")
	turnsPath := filepath.Join(r.baseDir, "conversations", conversationID, "turns.jsonl")
	fmt.Fprintf(&b, "The complete conversation history is stored at %s.\n\n", turnsPath)

	b.WriteString("Continue the conversation naturally from where it left off.\n")

	result.Prompt = b.String()
	return result, nil
}

// clampTurn truncates a single turn's content to the configured cap.
func (r *ContextRestorer) clampTurn(content string) string {
	max := r.cfg.MaxTurnChars
	if max <= 0 || len(content) <= max {
		return content
	}
	return content[:max] + "[truncated]"
}

// summarizeArchive reconstructs the archived turns and feeds them to
// the summary provider.
func (r *ContextRestorer) summarizeArchive(ctx context.Context, archive []memory.Turn) (string, error) {
	const perTurnCap = 2000

	var b strings.Builder
	for _, turn := range archive {
		reconstructed, err := r.selector.reconstructor.ReconstructContent(ctx, turn.SessionID, turn.EventRange, memory.ReconstructOptions{SummarizeTools: true})
		if err != nil {
			continue
		}
		content := r.summarizer.Summarize(reconstructed.Content)
		if len(content) > perTurnCap {
			content = content[:perTurnCap] + "..."
		}
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return r.summary.Summarize(ctx, b.String())
}
