package connector

import (
	"strings"
	"unicode"
)

var fenceLanguageTags = []string{"postgresql", "postgres", "duckdb", "mysql", "psql", "sql"}

// NormalizeStatement cleans model-generated SQL before execution: it removes
// markdown fences, collapses whitespace outside quoted literals and
// identifiers, and terminates the statement with a semicolon. Empty input
// stays empty. Applying it twice yields the same text.
func NormalizeStatement(text string) string {
	text = stripFences(text)
	text = strings.TrimSpace(collapseWhitespace(text))
	if text == "" {
		return ""
	}
	if !strings.HasSuffix(text, ";") {
		text += ";"
	}
	return text
}

const fence = "```"

// stripFences removes markdown code fences wherever they appear. When a
// fenced block is present only its body is kept, so prose before or after
// it is dropped. A lone trailing fence keeps the text before it.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if open := strings.Index(text, fence); open >= 0 {
		before := text[:open]
		rest := dropFenceTag(text[open+len(fence):])
		switch end := strings.Index(rest, fence); {
		case end >= 0:
			text = rest[:end]
		case strings.TrimSpace(rest) != "":
			text = rest
		default:
			text = before
		}
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, fence, ""))
	if len(text) >= 2 && text[0] == '`' && text[len(text)-1] == '`' && strings.Count(text, "`") == 2 {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	return text
}

// dropFenceTag removes a language tag that directly follows an opening fence.
func dropFenceTag(rest string) string {
	lower := strings.ToLower(rest)
	for _, tag := range fenceLanguageTags {
		if strings.HasPrefix(lower, tag) && (len(rest) == len(tag) || unicode.IsSpace(rune(rest[len(tag)]))) {
			return rest[len(tag):]
		}
	}
	return rest
}

func collapseWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	var quote rune
	pendingSpace := false
	for _, r := range text {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		if r == '\'' || r == '"' || r == '`' {
			quote = r
		}
		b.WriteRune(r)
	}
	return b.String()
}
