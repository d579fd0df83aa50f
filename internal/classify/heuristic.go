// Package classify labels stored speeches as procedural or substantive.
// A cheap phrase heuristic catches the unmistakable boilerplate first; the
// remainder goes to a language model in token-bounded batches, and only
// confident verdicts are written back.
package classify

import "strings"

// proceduralPhrases are formulaic fragments of House and Senate floor
// procedure. A short text containing any of these is procedural with
// near certainty.
var proceduralPhrases = []string{
	"i yield back",
	"i yield the floor",
	"i yield to the gentleman",
	"i yield to the gentlewoman",
	"i yield myself such time",
	"the balance of my time",
	"i reserve the balance",
	"pursuant to clause",
	"pursuant to the rule",
	"pursuant to the order",
	"the clerk will report",
	"the clerk will read",
	"without objection",
	"the question is on",
	"the yeas and nays",
	"a quorum is present",
	"the absence of a quorum",
	"i suggest the absence of a quorum",
	"unanimous consent",
	"morning business",
	"the senate will come to order",
	"the house will be in order",
	"the chair recognizes",
	"for what purpose does the gentleman",
	"for what purpose does the gentlewoman",
	"i send a resolution to the desk",
	"the motion to reconsider is laid",
	"ordered to be printed",
	"laid on the table",
	"the previous question is ordered",
	"the amendment is agreed to",
	"the bill is passed",
	"the resolution is agreed to",
	"the motion is agreed to",
	"the nomination is confirmed",
	"the roll was called",
	"the presiding officer",
	"leave of absence",
	"and the second was not",
	"second the motion",
}

// Heuristic is the first classification stage: a case-insensitive phrase
// match applied only to short texts, where procedural boilerplate dominates
// and a model call would be wasted.
type Heuristic struct {
	phrases  []string
	maxChars int
}

// NewHeuristic builds the stock phrase matcher. maxChars bounds the texts
// it will consider; longer texts always fall through to the model.
func NewHeuristic(maxChars int) *Heuristic {
	return &Heuristic{phrases: proceduralPhrases, maxChars: maxChars}
}

// Match reports whether the text is identified as procedural boilerplate.
func (h *Heuristic) Match(text string) bool {
	if h.maxChars > 0 && len(text) >= h.maxChars {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range h.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
