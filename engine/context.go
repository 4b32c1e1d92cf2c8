package engine

import (
	"unicode/utf8"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// messageOverhead is a fixed per-message cost for role and formatting.
const messageOverhead = 4

// ContextInput is everything the assembler may place in the prompt.
type ContextInput struct {
	Persona string

	// Hits are LTM results, highest similarity first.
	Hits []memory.Hit
	// Recent are STM turns, oldest first, excluding the current message.
	Recent []core.Turn

	Current string

	// Budget is the maximum context size in runes (plus overhead). <= 0 disables trimming.
	Budget int
}

// ContextStats summarizes an assembled context.
type ContextStats struct {
	Budget      int
	Total       int
	LTMIncluded int
	LTMDropped  int
	STMIncluded int
	STMDropped  int
	OverBudget  bool // persona + current message alone exceed the budget
}

// AssembleContext orders the prompt as persona, LTM hits, STM turns, current
// message. When the result exceeds the budget, STM is dropped oldest first,
// then LTM lowest similarity first. Persona and current message always stay.
func AssembleContext(in ContextInput) ([]core.Message, ContextStats) {
	hits := in.Hits
	recent := in.Recent

	msgs := buildContext(in, hits, recent)
	total := countMessages(msgs)

	if in.Budget > 0 {
		for total > in.Budget && len(recent) > 0 {
			recent = recent[1:]
			msgs = buildContext(in, hits, recent)
			total = countMessages(msgs)
		}
		for total > in.Budget && len(hits) > 0 {
			hits = hits[:len(hits)-1]
			msgs = buildContext(in, hits, recent)
			total = countMessages(msgs)
		}
	}

	return msgs, ContextStats{
		Budget:      in.Budget,
		Total:       total,
		LTMIncluded: len(hits),
		LTMDropped:  len(in.Hits) - len(hits),
		STMIncluded: len(recent),
		STMDropped:  len(in.Recent) - len(recent),
		OverBudget:  in.Budget > 0 && total > in.Budget,
	}
}

func buildContext(in ContextInput, hits []memory.Hit, recent []core.Turn) []core.Message {
	msgs := make([]core.Message, 0, len(recent)+3)
	if in.Persona != "" {
		msgs = append(msgs, core.NewSystemMessage(in.Persona))
	}
	if len(hits) > 0 {
		maxChars := 0
		if in.Budget > 0 {
			maxChars = in.Budget / 4
		}
		msgs = append(msgs, core.NewSystemMessage(memory.FormatHits(hits, maxChars)))
	}
	for i := range recent {
		msgs = append(msgs, core.MessageFromTurn(&recent[i]))
	}
	msgs = append(msgs, core.Message{Role: core.RoleUser, Text: in.Current})
	return msgs
}

// CountMessage estimates the size of one message.
func CountMessage(m core.Message) int {
	return utf8.RuneCountInString(m.Text) + messageOverhead
}

func countMessages(msgs []core.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(m)
	}
	return total
}
