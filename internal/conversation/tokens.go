package conversation

import "strings"

// DefaultTokensPerWord approximates subword tokenization for English text.
const DefaultTokensPerWord = 1.3

// Estimator approximates token counts from whitespace-separated words.
// It makes no attempt to match any real tokenizer.
type Estimator struct {
	TokensPerWord float64
}

// Estimate returns the approximate token count of content.
func (e Estimator) Estimate(content string) float64 {
	factor := e.TokensPerWord
	if factor <= 0 {
		factor = DefaultTokensPerWord
	}
	return float64(len(strings.Fields(content))) * factor
}

// Total sums the estimate over msgs.
func (e Estimator) Total(msgs []Message) float64 {
	var total float64
	for _, m := range msgs {
		total += e.Estimate(m.Content)
	}
	return total
}

// trim returns the messages to retain under budget: all system messages in
// their original order, followed by the longest suffix of the remaining
// messages whose cumulative estimate (added newest first, on top of the
// system messages) stays within budget. If the system messages alone
// exceed the budget, nothing else is kept.
func trim(msgs []Message, budget float64, est Estimator) []Message {
	var system, other []Message
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}

	total := est.Total(system)
	start := len(other)
	for i := len(other) - 1; i >= 0; i-- {
		next := total + est.Estimate(other[i].Content)
		if next > budget {
			break
		}
		total = next
		start = i
	}

	out := make([]Message, 0, len(system)+len(other)-start)
	out = append(out, system...)
	return append(out, other[start:]...)
}
