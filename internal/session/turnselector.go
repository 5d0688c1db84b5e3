package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
	"github.com/kynetic/kbot/internal/memory"
)

// Reconstructor materializes turn content from the event log.
// Satisfied by memory.TurnReconstructor.
type Reconstructor interface {
	ReconstructContent(ctx context.Context, sessionID string, rng memory.EventRange, opts memory.ReconstructOptions) (*memory.ReconstructionResult, error)
}

// TurnContent pairs a turn with its reconstructed (and possibly
// summarized) content.
type TurnContent struct {
	Turn    memory.Turn
	Content string
}

// SelectionResult reports which turns fit the restoration budget.
type SelectionResult struct {
	Selected      []TurnContent
	TotalTokens   int
	ExcludedCount int
	WithinBudget  bool
}

// TurnSelector picks the newest turns that fit a token budget. Token
// counts are estimated from character length; tool-call turns are
// budgeted at their summarized size since that is what gets replayed.
type TurnSelector struct {
	cfg           config.RestoreConfig
	reconstructor Reconstructor
	summarizer    *ToolSummarizer
	logger        *logger.Logger
}

// NewTurnSelector creates a selector.
func NewTurnSelector(cfg config.RestoreConfig, reconstructor Reconstructor, summarizer *ToolSummarizer, log *logger.Logger) *TurnSelector {
	return &TurnSelector{
		cfg:           cfg,
		reconstructor: reconstructor,
		summarizer:    summarizer,
		logger:        log.WithFields(zap.String("component", "turn-selector")),
	}
}

func (s *TurnSelector) estimateTokens(text string) int {
	cpt := s.cfg.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return (len(text) + cpt - 1) / cpt
}

// Budget returns the token budget and allowed overflow margin.
func (s *TurnSelector) Budget() (int, int) {
	budget := int(float64(s.cfg.MaxContextTokens) * s.cfg.BudgetFraction)
	margin := int(float64(budget) * s.cfg.MarginFraction)
	return budget, margin
}

// SelectTurns walks turns newest to oldest, including each while the
// running total stays within budget plus margin, and stops at the first
// turn that would exceed it. Selected turns come back in chronological
// order.
func (s *TurnSelector) SelectTurns(ctx context.Context, turns []memory.Turn) (*SelectionResult, error) {
	budget, margin := s.Budget()

	var selected []TurnContent
	total := 0

	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]

		result, err := s.reconstructor.ReconstructContent(ctx, turn.SessionID, turn.EventRange, memory.ReconstructOptions{SummarizeTools: true})
		if err != nil {
			s.logger.Warn("failed to reconstruct turn, excluding",
				zap.String("session_id", turn.SessionID),
				zap.Int64("turn_seq", turn.Seq),
				zap.Error(err))
			continue
		}

		content := result.Content
		if s.summarizer.IsToolCall(content) {
			content = s.summarizer.Summarize(content)
		}

		tokens := s.estimateTokens(content)
		if total+tokens > budget+margin {
			break
		}
		total += tokens
		selected = append(selected, TurnContent{Turn: turn, Content: content})
	}

	// Reverse into chronological order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	return &SelectionResult{
		Selected:      selected,
		TotalTokens:   total,
		ExcludedCount: len(turns) - len(selected),
		WithinBudget:  total <= budget,
	}, nil
}
