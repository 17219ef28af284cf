// Package pruner implements the Context Pruner (spec.md §4.2): a
// three-pass shrinker that fits a message history within a token budget
// while preserving marked messages and chronological order.
//
// Loosely grounded on the session-keyed token-budget trimming shape of
// TokenAwareHistoryService (pkg/agent/token_aware_history.go) — a
// struct holding a token counter and operating over a message slice —
// but the three-pass algorithm itself is spec.md's own construction;
// no teacher file implements terminal-command compaction or
// keepLastTags preservation, so this file is authored fresh in the
// teacher's idiom (struct + token-counter dependency injection) rather
// than ported from a specific source.
package pruner

import (
	"log/slog"

	rtlogger "github.com/stepflow/agentruntime/pkg/logger"
	"github.com/stepflow/agentruntime/pkg/message"
	"github.com/stepflow/agentruntime/pkg/tokencount"
)

const (
	// DefaultMaxMessageTokens is the default token budget for a history.
	DefaultMaxMessageTokens = 200_000

	// DefaultTerminalCommandsToKeep is the default number of recent
	// run_terminal_command tool messages pass 1 leaves untouched.
	DefaultTerminalCommandsToKeep = 5

	terminalCommandTool  = "run_terminal_command"
	largeResultThreshold = 1000

	// messagePass3Fraction is the 0.5 in the (1 - 0.5) factor spec.md
	// §4.2 applies to the remaining budget to compute the pass-3 removal
	// target T.
	messagePass3Fraction = 0.5
)

// Options configures one Prune call. Zero values fall back to the
// spec.md-mandated defaults.
type Options struct {
	MaxMessageTokens       int
	NumTerminalCommandsToKeep int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageTokens <= 0 {
		o.MaxMessageTokens = DefaultMaxMessageTokens
	}
	if o.NumTerminalCommandsToKeep <= 0 {
		o.NumTerminalCommandsToKeep = DefaultTerminalCommandsToKeep
	}
	return o
}

// Result is the output of Prune.
type Result struct {
	Messages []message.Message

	// StillOverBudget is true when pass 3 exhausted the history without
	// reaching its removal target. Resolves spec.md §9 Open Question
	// (a): the caller must tolerate an over-budget history; Prune never
	// invents a harder fallback pass.
	StillOverBudget bool

	// PassesApplied records which passes actually ran, for diagnostics
	// and tests.
	PassesApplied []string
}

// ContextPruner implements spec.md §4.2. It depends on an injected
// token counter rather than a package-level singleton, per spec.md §9's
// "Global process state" note.
type ContextPruner struct {
	Counter *tokencount.TokenCounter
	Logger  *slog.Logger
}

// New constructs a ContextPruner with the given token counter. logger
// may be nil, in which case pkg/logger's module-filtering default
// logger is used (pkg/logger.GetLogger).
func New(counter *tokencount.TokenCounter, logger *slog.Logger) *ContextPruner {
	if logger == nil {
		logger = rtlogger.GetLogger()
	}
	return &ContextPruner{Counter: counter, Logger: logger}
}

// Prune runs the three-pass algorithm over history, stopping at the
// first pass whose result fits within opts.MaxMessageTokens.
func (p *ContextPruner) Prune(history []message.Message, opts Options) Result {
	opts = opts.withDefaults()

	historyTokens := p.historyTokens(history)
	if historyTokens < opts.MaxMessageTokens {
		return Result{Messages: cloneAll(history), PassesApplied: []string{"pass0"}}
	}

	applied := []string{}

	pass1 := p.pass1TerminalCompaction(history, opts.NumTerminalCommandsToKeep)
	applied = append(applied, "pass1")
	if p.historyTokens(pass1) < opts.MaxMessageTokens {
		return Result{Messages: pass1, PassesApplied: applied}
	}

	pass2 := p.pass2LargeResultCompaction(pass1)
	applied = append(applied, "pass2")
	if p.historyTokens(pass2) < opts.MaxMessageTokens {
		return Result{Messages: pass2, PassesApplied: applied}
	}

	pass3, stillOver := p.pass3MessageLevelPruning(pass2, opts.MaxMessageTokens)
	applied = append(applied, "pass3")
	if stillOver {
		p.Logger.Warn("context pruner: history still exceeds token budget after pass 3",
			"maxMessageTokens", opts.MaxMessageTokens,
			"resultingTokens", p.historyTokens(pass3),
		)
	}
	return Result{Messages: pass3, StillOverBudget: stillOver, PassesApplied: applied}
}

func (p *ContextPruner) historyTokens(history []message.Message) int {
	total := 0
	for _, m := range history {
		total += p.Counter.MustCount(m)
	}
	return total
}

// pass1TerminalCompaction walks history newest-to-oldest, preserving the
// most recent keep run_terminal_command tool messages and compacting
// older ones to {command, stdoutOmittedForLength: true}.
func (p *ContextPruner) pass1TerminalCompaction(history []message.Message, keep int) []message.Message {
	out := make([]message.Message, len(history))
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == message.RoleTool && m.ToolName == terminalCommandTool {
			if kept < keep {
				kept++
				out[i] = m.Clone()
				continue
			}
			out[i] = compactTerminalMessage(m)
			continue
		}
		out[i] = m.Clone()
	}
	return out
}

func compactTerminalMessage(m message.Message) message.Message {
	clone := m.Clone()
	clone.Content = message.PartsContent(message.JSONPart(map[string]any{
		"command":                extractCommand(m),
		"stdoutOmittedForLength": true,
	}))
	return clone
}

// extractCommand best-effort recovers the original command string from
// a terminal tool message's existing content, falling back to "" per
// spec.md §4.2 ("<original command or \"\">").
func extractCommand(m message.Message) string {
	for _, part := range m.Content.Parts {
		if part.Type != message.PartJSON {
			continue
		}
		if obj, ok := part.Value.(map[string]any); ok {
			if cmd, ok := obj["command"].(string); ok {
				return cmd
			}
		}
	}
	return ""
}

// pass2LargeResultCompaction rewrites any tool message whose stringified
// content exceeds largeResultThreshold bytes.
func (p *ContextPruner) pass2LargeResultCompaction(history []message.Message) []message.Message {
	out := make([]message.Message, len(history))
	for i, m := range history {
		if m.Role != message.RoleTool {
			out[i] = m.Clone()
			continue
		}
		s, err := tokencount.Stringify(m.Content)
		if err != nil || len(s) <= largeResultThreshold {
			out[i] = m.Clone()
			continue
		}
		clone := m.Clone()
		clone.Content = message.PartsContent(message.JSONPart(map[string]any{
			"message":      "[LARGE_TOOL_RESULT_OMITTED]",
			"originalSize": len(s),
		}))
		out[i] = clone
	}
	return out
}

// pass3MessageLevelPruning deletes non-protected messages in order,
// accumulating token cost until the removal target T is reached,
// collapsing consecutive deletions into a single placeholder message.
func (p *ContextPruner) pass3MessageLevelPruning(history []message.Message, maxMessageTokens int) ([]message.Message, bool) {
	protectedKept := make([]bool, len(history))
	var keptR int
	for i, m := range history {
		if m.KeepDuringTruncation {
			protectedKept[i] = true
			keptR += p.Counter.MustCount(m)
		}
	}

	keepLastIdx := lastIndexPerKeepLastTag(history)
	for _, idx := range keepLastIdx {
		protectedKept[idx] = true
	}

	target := (float64(maxMessageTokens) - float64(keptR)) * (1 - messagePass3Fraction)
	if target < 0 {
		target = 0
	}

	out := make([]message.Message, 0, len(history))
	removedTokens := 0
	inRun := false
	thresholdReached := false

	for i, m := range history {
		if protectedKept[i] {
			if inRun {
				out = append(out, message.NewPlaceholderMessage())
				inRun = false
			}
			out = append(out, m.Clone())
			continue
		}

		if thresholdReached {
			out = append(out, m.Clone())
			continue
		}

		removedTokens += p.Counter.MustCount(m)
		inRun = true
		if float64(removedTokens) >= target {
			thresholdReached = true
			out = append(out, message.NewPlaceholderMessage())
			inRun = false
		}
	}
	if inRun {
		out = append(out, message.NewPlaceholderMessage())
	}

	stillOverBudget := !thresholdReached && target > 0
	return out, stillOverBudget
}

// lastIndexPerKeepLastTag returns, for every tag named in any message's
// KeepLastTags, the index of the last message in history whose Tags
// contain that tag.
func lastIndexPerKeepLastTag(history []message.Message) []int {
	wanted := map[string]bool{}
	for _, m := range history {
		for _, tag := range m.KeepLastTags {
			wanted[tag] = true
		}
	}
	if len(wanted) == 0 {
		return nil
	}

	lastForTag := map[string]int{}
	for i, m := range history {
		for tag := range wanted {
			if m.HasTag(tag) {
				lastForTag[tag] = i
			}
		}
	}

	seen := map[int]bool{}
	indices := make([]int, 0, len(lastForTag))
	for _, idx := range lastForTag {
		if !seen[idx] {
			seen[idx] = true
			indices = append(indices, idx)
		}
	}
	return indices
}

func cloneAll(history []message.Message) []message.Message {
	out := make([]message.Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	return out
}
