package chat

import (
	"regexp"
	"strings"
)

// suggestionHeadings are the section labels the backend uses to introduce next-step
// suggestions in free-form answer text. Matching is case-insensitive and tolerates
// emphasis markup and a trailing colon.
var suggestionHeadings = []string{
	"下一步建议",
	"后续建议",
	"下一步",
	"建议的下一步",
	"next steps",
	"suggested next steps",
}

var suggestionItemRe = regexp.MustCompile(`^\s*\d+\.\s+(.+)$`)

// ExtractSuggestions scans cumulative answer text for a labeled next-steps section and
// returns the contiguous run of numbered items immediately following it, stopping at the
// first blank or non-numbered line. It returns nil when no section exists.
//
// The extractor runs on every text delta, so it is a single line scan with one regexp and
// is idempotent over growing input.
func ExtractSuggestions(text string) []string {
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		if isSuggestionHeading(line) {
			start = i + 1
		}
	}
	if start < 0 {
		return nil
	}

	var suggestions []string
	for _, line := range lines[start:] {
		m := suggestionItemRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		if item := CleanSuggestionLabel(m[1]); item != "" {
			suggestions = append(suggestions, item)
		}
	}
	return suggestions
}

// CleanSuggestionLabel isolates the short actionable title from a full suggestion line: it
// strips emphasis markup and truncates at the first full-width colon, keeping only the part
// before the explanatory tail.
func CleanSuggestionLabel(line string) string {
	s := stripEmphasis(line)
	if idx := strings.Index(s, "："); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func isSuggestionHeading(line string) bool {
	s := stripEmphasis(line)
	s = strings.TrimSpace(strings.TrimLeft(s, "# "))
	s = strings.TrimRight(s, "：:")
	s = strings.ToLower(strings.TrimSpace(s))
	for _, heading := range suggestionHeadings {
		if s == heading {
			return true
		}
	}
	return false
}

func stripEmphasis(s string) string {
	replacer := strings.NewReplacer("**", "", "__", "", "*", "", "`", "")
	return replacer.Replace(s)
}
