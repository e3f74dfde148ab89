package runtime

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContextBudget bounds how much prior history is passed into a step's input.
// Three zones: the single most-recent step gets the largest allowance, every
// older step is capped individually, and the concatenation never exceeds the
// total. All limits are byte counts; truncation is always rune-safe.
type ContextBudget struct {
	TotalChars  int `yaml:"total_chars" json:"total_chars" default:"400000" validate:"gt=0"`
	RecentChars int `yaml:"recent_chars" json:"recent_chars" default:"120000" validate:"gt=0"`
	OlderChars  int `yaml:"older_chars" json:"older_chars" default:"20000" validate:"gt=0"`
}

// BudgetHistory renders ordered step history into bounded text. The most
// recent step is rendered first (largest allowance), then older steps in
// execution order, oldest first. When the running total would exceed the
// total budget, the oldest remaining steps are dropped whole; a step already
// capped is never truncated a second time. Empty history yields empty text.
// Never fails.
func BudgetHistory(history []StepResult, cfg ContextBudget) string {
	if len(history) == 0 {
		return ""
	}

	recentCap := cfg.RecentChars
	if recentCap > cfg.TotalChars {
		recentCap = cfg.TotalChars
	}

	recent := renderEntry(history[len(history)-1], recentCap)
	older := make([]string, 0, len(history)-1)
	total := len(recent)
	for _, r := range history[:len(history)-1] {
		entry := renderEntry(r, cfg.OlderChars)
		older = append(older, entry)
		total += len(entry)
	}

	// Drop oldest entries whole until the concatenation fits.
	drop := 0
	for total > cfg.TotalChars && drop < len(older) {
		total -= len(older[drop])
		drop++
	}

	var b strings.Builder
	b.Grow(total)
	b.WriteString(recent)
	for _, entry := range older[drop:] {
		b.WriteString(entry)
	}
	return b.String()
}

func renderEntry(r StepResult, limit int) string {
	header := fmt.Sprintf("=== step %s (%s) status=%s", r.StepID, r.AgentKey, r.Status)
	if r.Verification != VerificationNone {
		header += " verification=" + string(r.Verification)
	}
	entry := header + "\n" + r.Output
	if r.Error != "" {
		entry += "\nerror: " + r.Error
	}
	entry += "\n"
	return truncateRuneSafe(entry, limit)
}

// truncateRuneSafe cuts s to at most limit bytes without splitting a rune.
func truncateRuneSafe(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
