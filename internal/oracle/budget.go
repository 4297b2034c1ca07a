package oracle

import (
	"strings"
	"unicode/utf8"
)

// DefaultFailureBudget caps how many tokens of failure detail go into a
// repair prompt. Long tracebacks keep their tail, where the error is.
const DefaultFailureBudget = 2000

// estimateTokens returns an approximate token count using chars/4.
func estimateTokens(s string) int {
	tokens := len(s) / 4
	if tokens == 0 && s != "" {
		tokens = 1
	}
	return tokens
}

// fitTail trims s from the front until it fits in budget tokens, cutting
// at a line boundary when one is available.
func fitTail(s string, budget int) string {
	if budget <= 0 || estimateTokens(s) <= budget {
		return s
	}
	start := len(s) - budget*4
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	tail := s[start:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return "... (earlier output truncated)\n" + tail
}

// fitPrompt returns p with its failure detail trimmed to budget tokens.
func fitPrompt(p Prompt, budget int) Prompt {
	if p.Prior == nil {
		return p
	}
	prior := *p.Prior
	prior.Failure.Message = fitTail(prior.Failure.Message, budget)
	p.Prior = &prior
	return p
}
