package backchannel

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxLabelPasses = 3

// textSanitizer normalises user supplied text. Bodies are kept as written;
// author labels are reduced to plain text.
type textSanitizer struct {
	policy *bluemonday.Policy
}

func newTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// plain strips markup until the text is stable, so entity encoded tags cannot
// survive as live markup after decoding.
func (s *textSanitizer) plain(value string) string {
	current := value
	for pass := 0; pass < maxLabelPasses; pass++ {
		next := html.UnescapeString(s.policy.Sanitize(current))
		if next == current {
			break
		}
		current = next
	}
	if strings.ContainsAny(current, "<>") {
		current = strings.NewReplacer("<", "", ">", "").Replace(current)
	}
	return strings.TrimSpace(current)
}

func (s *textSanitizer) label(value string, limit int) string {
	runes := []rune(s.plain(value))
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

func (s *textSanitizer) body(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || utf8.RuneCountInString(trimmed) > maxBodyLength {
		return "", ErrInvalidBody
	}
	return trimmed, nil
}
