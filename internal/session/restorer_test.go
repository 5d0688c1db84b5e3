package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/memory"
)

// fakeReconstructor returns canned content keyed by event range start.
type fakeReconstructor struct {
	content map[int64]string
}

func (f *fakeReconstructor) ReconstructContent(ctx context.Context, sessionID string, rng memory.EventRange, opts memory.ReconstructOptions) (*memory.ReconstructionResult, error) {
	content, ok := f.content[rng.StartSeq]
	if !ok {
		return nil, errors.New("no content for range")
	}
	return &memory.ReconstructionResult{Content: content, EventsRead: 1}, nil
}

type fakeSummary struct {
	text string
	err  error
	got  string
}

func (f *fakeSummary) Summarize(ctx context.Context, text string) (string, error) {
	f.got = text
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func turnAt(seq int64, role string) memory.Turn {
	return memory.Turn{
		Seq:        seq,
		Role:       role,
		SessionID:  "sess-1",
		EventRange: memory.EventRange{StartSeq: seq, EndSeq: seq},
	}
}

// selectorConfig gives a 40-token budget with one-char tokens so
// content lengths read directly as token counts.
func selectorConfig() config.RestoreConfig {
	return config.RestoreConfig{
		MaxContextTokens: 100,
		BudgetFraction:   0.4,
		MarginFraction:   0,
		CharsPerToken:    1,
		MaxTurnChars:     40000,
	}
}

func TestTurnSelector_NewestFirstWithinBudget(t *testing.T) {
	rec := &fakeReconstructor{content: map[int64]string{
		0: strings.Repeat("a", 30),
		1: strings.Repeat("b", 20),
		2: strings.Repeat("c", 10),
	}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))

	turns := []memory.Turn{turnAt(0, "user"), turnAt(1, "assistant"), turnAt(2, "user")}
	result, err := selector.SelectTurns(context.Background(), turns)
	require.NoError(t, err)

	// Newest two fit (10+20=30 <= 40); the oldest would overflow.
	require.Len(t, result.Selected, 2)
	assert.Equal(t, int64(1), result.Selected[0].Turn.Seq)
	assert.Equal(t, int64(2), result.Selected[1].Turn.Seq)
	assert.Equal(t, 30, result.TotalTokens)
	assert.Equal(t, 1, result.ExcludedCount)
	assert.True(t, result.WithinBudget)
}

func TestTurnSelector_AllFit(t *testing.T) {
	rec := &fakeReconstructor{content: map[int64]string{
		0: "hi",
		1: "hello",
	}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))

	result, err := selector.SelectTurns(context.Background(), []memory.Turn{turnAt(0, "user"), turnAt(1, "assistant")})
	require.NoError(t, err)
	assert.Len(t, result.Selected, 2)
	assert.Equal(t, 0, result.ExcludedCount)
}

func TestTurnSelector_ToolTurnsBudgetedSummarized(t *testing.T) {
	// The raw transcript is far over budget but its summary fits.
	raw := `<invoke name="read_file">
<parameter name="path">a.go</parameter>
</invoke>` + strings.Repeat("x", 500)

	rec := &fakeReconstructor{content: map[int64]string{0: raw}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))

	result, err := selector.SelectTurns(context.Background(), []memory.Turn{turnAt(0, "assistant")})
	require.NoError(t, err)
	require.Len(t, result.Selected, 1)
	assert.Contains(t, result.Selected[0].Content, "[Tool: read_file]")
	assert.LessOrEqual(t, result.TotalTokens, 40)
}

func TestContextRestorer_SkipsEmptyConversation(t *testing.T) {
	selector := NewTurnSelector(selectorConfig(), &fakeReconstructor{}, NewToolSummarizer(), newTestLogger(t))
	restorer := NewContextRestorer(selectorConfig(), "/data/.kbot", selector, NewToolSummarizer(), nil, newTestLogger(t))

	result, err := restorer.BuildPrompt(context.Background(), "conv-1", nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Prompt)
}

func TestContextRestorer_PromptSections(t *testing.T) {
	rec := &fakeReconstructor{content: map[int64]string{
		0: strings.Repeat("old ", 20), // 80 chars: archived
		1: "recent question",
		2: "recent answer",
	}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))
	summary := &fakeSummary{text: "Earlier the user asked about old things."}
	restorer := NewContextRestorer(selectorConfig(), "/data/.kbot", selector, NewToolSummarizer(), summary, newTestLogger(t))

	turns := []memory.Turn{turnAt(0, "user"), turnAt(1, "user"), turnAt(2, "assistant")}
	result, err := restorer.BuildPrompt(context.Background(), "conv-1", turns)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	assert.False(t, result.SummaryFailed)

	prompt := result.Prompt
	assert.Contains(t, prompt, "## Session Context")
	assert.Contains(t, prompt, "### Summary of Earlier Conversation")
	assert.Contains(t, prompt, "Earlier the user asked about old things.")
	assert.Contains(t, prompt, "### Recent Conversation History")
	assert.Contains(t, prompt, "user: recent question")
	assert.Contains(t, prompt, "assistant: recent answer")
	assert.Contains(t, prompt, "### Archived History")
	assert.Contains(t, prompt, "/data/.kbot/conversations/conv-1/turns.jsonl")

	// Sections appear in order.
	idxSummary := strings.Index(prompt, "### Summary")
	idxRecent := strings.Index(prompt, "### Recent")
	idxArchive := strings.Index(prompt, "### Archived")
	assert.Less(t, idxSummary, idxRecent)
	assert.Less(t, idxRecent, idxArchive)
}

func TestContextRestorer_SummaryFailureFallsBack(t *testing.T) {
	rec := &fakeReconstructor{content: map[int64]string{
		0: strings.Repeat("old ", 20),
		1: "recent question",
		2: "recent answer",
	}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))
	summary := &fakeSummary{err: errors.New("provider down")}
	restorer := NewContextRestorer(selectorConfig(), "/data/.kbot", selector, NewToolSummarizer(), summary, newTestLogger(t))

	turns := []memory.Turn{turnAt(0, "user"), turnAt(1, "user"), turnAt(2, "assistant")}
	result, err := restorer.BuildPrompt(context.Background(), "conv-1", turns)
	require.NoError(t, err)

	assert.True(t, result.SummaryFailed)
	assert.NotContains(t, result.Prompt, "### Summary of Earlier Conversation")
	assert.Contains(t, result.Prompt, "user: recent question")
}

func TestContextRestorer_UnreconstructableTurnIsArchived(t *testing.T) {
	// The middle turn has no content behind it, so the selector skips
	// it mid-walk and the kept set is not a contiguous suffix. The
	// skipped turn must land in the archive, not a kept neighbor.
	rec := &fakeReconstructor{content: map[int64]string{
		0: "first question",
		2: "latest answer",
	}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))
	summary := &fakeSummary{text: "One earlier turn could not be replayed."}
	restorer := NewContextRestorer(selectorConfig(), "/data/.kbot", selector, NewToolSummarizer(), summary, newTestLogger(t))

	turns := []memory.Turn{turnAt(0, "user"), turnAt(1, "assistant"), turnAt(2, "assistant")}
	result, err := restorer.BuildPrompt(context.Background(), "conv-1", turns)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RecentTurns)
	assert.Equal(t, 1, result.ArchivedTurns)
	assert.Contains(t, result.Prompt, "user: first question")
	assert.Contains(t, result.Prompt, "assistant: latest answer")

	// The archive fed to the summarizer holds only the skipped turn.
	assert.NotContains(t, summary.got, "first question")
	assert.NotContains(t, summary.got, "latest answer")
}

func TestContextRestorer_TruncatesOversizedTurn(t *testing.T) {
	cfg := selectorConfig()
	cfg.MaxTurnChars = 10
	// Budget must admit the turn; only display is clamped.
	cfg.MaxContextTokens = 1000
	cfg.BudgetFraction = 1

	rec := &fakeReconstructor{content: map[int64]string{0: strings.Repeat("z", 50)}}
	selector := NewTurnSelector(cfg, rec, NewToolSummarizer(), newTestLogger(t))
	restorer := NewContextRestorer(cfg, "/data/.kbot", selector, NewToolSummarizer(), nil, newTestLogger(t))

	result, err := restorer.BuildPrompt(context.Background(), "conv-1", []memory.Turn{turnAt(0, "user")})
	require.NoError(t, err)
	assert.Contains(t, result.Prompt, strings.Repeat("z", 10)+"[truncated]")
	assert.NotContains(t, result.Prompt, strings.Repeat("z", 11))
}

func TestContextRestorer_ArchivePathUsesBaseDir(t *testing.T) {
	rec := &fakeReconstructor{content: map[int64]string{0: "hello"}}
	selector := NewTurnSelector(selectorConfig(), rec, NewToolSummarizer(), newTestLogger(t))
	restorer := NewContextRestorer(selectorConfig(), "/srv/bot/.kbot", selector, NewToolSummarizer(), nil, newTestLogger(t))

	result, err := restorer.BuildPrompt(context.Background(), "01HZX", []memory.Turn{turnAt(0, "user")})
	require.NoError(t, err)
	assert.Contains(t, result.Prompt, fmt.Sprintf("/srv/bot/.kbot/conversations/%s/turns.jsonl", "01HZX"))
}
