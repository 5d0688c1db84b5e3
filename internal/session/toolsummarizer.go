package session

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	invokeRe    = regexp.MustCompile(`<invoke name="([^"]+)">`)
	parameterRe = regexp.MustCompile(`<parameter name="([^"]+)">([^<]*)</parameter>`)
	resultsRe   = regexp.MustCompile(`(?s)<function_results>(.*?)</function_results>`)
	foundRe     = regexp.MustCompile(`Found (\d+) files?`)
	fileDumpRe  = regexp.MustCompile(`(?m)^\s*\d+→`)
	exitCodeRe  = regexp.MustCompile(`[Ee]xit code[:\s]+(\d+)`)
)

const (
	maxActionChars = 120
	maxBriefChars  = 160
	fileDumpFloor  = 5
)

// ToolSummarizer detects tool-call transcripts in reconstructed turn
// content and compacts them to a form that preserves what was done
// while shedding the bulk: "[Tool: <name>] <action>" plus an optional
// "Result: <brief>" line.
type ToolSummarizer struct{}

// NewToolSummarizer creates a summarizer.
func NewToolSummarizer() *ToolSummarizer {
	return &ToolSummarizer{}
}

// IsToolCall reports whether the text looks like a tool invocation or
// its output rather than conversational prose.
func (s *ToolSummarizer) IsToolCall(text string) bool {
	if invokeRe.MatchString(text) || resultsRe.MatchString(text) {
		return true
	}
	if foundRe.MatchString(text) {
		return true
	}
	// Numbered file dumps (line-numbered cat output) of nontrivial size.
	return len(fileDumpRe.FindAllStringIndex(text, fileDumpFloor)) >= fileDumpFloor
}

// Summarize compacts a tool-call transcript. Non-tool text is returned
// unchanged.
func (s *ToolSummarizer) Summarize(text string) string {
	if !s.IsToolCall(text) {
		return text
	}

	var parts []string

	if m := invokeRe.FindStringSubmatch(text); m != nil {
		action := ""
		if p := parameterRe.FindStringSubmatch(text); p != nil {
			action = strings.TrimSpace(p[2])
		}
		if len(action) > maxActionChars {
			action = action[:maxActionChars] + "..."
		}
		parts = append(parts, strings.TrimSpace(fmt.Sprintf("[Tool: %s] %s", m[1], action)))
	}

	if brief := s.resultBrief(text); brief != "" {
		parts = append(parts, "Result: "+brief)
	}

	if len(parts) == 0 {
		// Output-only transcript with no invoke block.
		parts = append(parts, "[Tool: output] "+s.outputBrief(text))
	}
	return strings.Join(parts, "\n")
}

// resultBrief extracts the most informative one-liner from tool output:
// match counts, exit codes, or the first line of the result body.
func (s *ToolSummarizer) resultBrief(text string) string {
	if m := foundRe.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("found %s files", m[1])
	}
	if m := exitCodeRe.FindStringSubmatch(text); m != nil {
		return "exit code " + m[1]
	}
	if m := resultsRe.FindStringSubmatch(text); m != nil {
		body := strings.TrimSpace(m[1])
		if dumps := fileDumpRe.FindAllStringIndex(body, -1); len(dumps) >= fileDumpFloor {
			return fmt.Sprintf("file contents, %d lines", len(dumps))
		}
		if idx := strings.IndexByte(body, '\n'); idx >= 0 {
			body = body[:idx]
		}
		if len(body) > maxBriefChars {
			body = body[:maxBriefChars] + "..."
		}
		return body
	}
	return ""
}

func (s *ToolSummarizer) outputBrief(text string) string {
	if dumps := fileDumpRe.FindAllStringIndex(text, -1); len(dumps) > 0 {
		return fmt.Sprintf("file contents, %d lines", len(dumps))
	}
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if len(line) > maxBriefChars {
		line = line[:maxBriefChars] + "..."
	}
	return line
}
