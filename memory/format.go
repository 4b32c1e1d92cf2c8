package memory

import (
	"fmt"
	"strings"
)

// FormatContext provides context for memory formatting.
type FormatContext struct {
	MaxLength int // Max characters for one memory's text
}

// Format renders a hit for prompt injection.
func (h Hit) Format(ctx FormatContext) string {
	when := ""
	if !h.Metadata.CreatedAt.IsZero() {
		when = h.Metadata.CreatedAt.UTC().Format("2006-01-02 15:04")
	}

	speaker := "User"
	if h.Metadata.Role == "assistant" {
		speaker = "Assistant"
	}

	text := h.Metadata.SourceText
	if ctx.MaxLength > 0 {
		text = truncate(text, ctx.MaxLength)
	}

	if when == "" {
		return fmt.Sprintf("%s said: %q", speaker, text)
	}
	return fmt.Sprintf("[%s] %s said: %q", when, speaker, text)
}

// FormatHits renders LTM hits as a single block, highest similarity first.
// maxChars bounds the whole block; each hit gets an equal share.
func FormatHits(hits []Hit, maxChars int) string {
	if len(hits) == 0 {
		return ""
	}

	var parts []string
	parts = append(parts, "=== RELEVANT MEMORIES FROM EARLIER CONVERSATIONS ===")

	maxLengthPerMemory := 0
	if maxChars > 0 {
		maxLengthPerMemory = maxChars / len(hits)
		if maxLengthPerMemory < 100 {
			maxLengthPerMemory = 100 // Minimum reasonable length
		}
	}

	for i, hit := range hits {
		formatted := hit.Format(FormatContext{MaxLength: maxLengthPerMemory})
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, formatted))
	}

	return strings.Join(parts, "\n")
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}

// truncateLog truncates text to maxLen runes for logging.
func truncateLog(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
