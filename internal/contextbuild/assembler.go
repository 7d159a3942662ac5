// Package contextbuild turns a thread's history into the prompt window
// sent to a model. Assembly is a pure function of its inputs: the same
// history, summary, and budget always produce the same window.
package contextbuild

import (
	"math"
	"strings"

	"github.com/openconvo/convo-backend/internal/provider"
)

// EstimateTokens approximates the token cost of text. The estimate
// intentionally overshoots so an assembled window never exceeds the
// real budget.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := []rune(text)
	return int(math.Ceil(float64(len(runes)) / 4.0))
}

// perTurnOverhead covers role framing and separators the provider adds
// around each turn.
const perTurnOverhead = 4

// Input is everything assembly depends on. Messages are the thread's
// turns for the target model, oldest first; the last element is the
// turn that triggered generation.
type Input struct {
	SystemPrompt string
	Summary      string
	Messages     []provider.Turn
	Budget       int
}

// Result is the assembled window. Turns are oldest first. Dropped
// counts history turns that did not fit.
type Result struct {
	SystemPrompt    string
	Turns           []provider.Turn
	EstimatedTokens int
	Dropped         int
}

// Assemble fits the newest turns into the budget. The newest turn is
// always included even when it alone exceeds the budget; older turns
// are taken newest-first until the budget runs out, then emitted in
// their original order. The summary, when present, rides with the
// system prompt so dropped turns stay represented.
func Assemble(in Input) Result {
	system := strings.TrimSpace(in.SystemPrompt)
	if sum := strings.TrimSpace(in.Summary); sum != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Summary of the conversation so far:\n" + sum
	}

	used := EstimateTokens(system)
	out := Result{SystemPrompt: system}
	if len(in.Messages) == 0 {
		out.EstimatedTokens = used
		return out
	}

	budget := in.Budget
	if budget < 0 {
		budget = 0
	}

	// Newest turn is unconditional.
	newest := in.Messages[len(in.Messages)-1]
	used += EstimateTokens(newest.Content) + perTurnOverhead

	keepFrom := len(in.Messages) - 1
	for i := len(in.Messages) - 2; i >= 0; i-- {
		cost := EstimateTokens(in.Messages[i].Content) + perTurnOverhead
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	out.Turns = append(out.Turns, in.Messages[keepFrom:]...)
	out.EstimatedTokens = used
	out.Dropped = keepFrom
	return out
}
