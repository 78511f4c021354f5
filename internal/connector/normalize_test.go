package connector

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNormalizeStatement(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "SELECT 1", "SELECT 1;"},
		{"already terminated", "SELECT 1;", "SELECT 1;"},
		{"fenced", "```sql\nSELECT *\nFROM orders\n```", "SELECT * FROM orders;"},
		{"fenced upper tag", "```SQL\nSELECT 1\n```", "SELECT 1;"},
		{"fenced no tag", "```\nSELECT 1;\n```", "SELECT 1;"},
		{"fence with trailing prose", "```sql\nSELECT 1\n```\nThis returns one.", "SELECT 1;"},
		{"trailing fence", "SELECT 1\n```", "SELECT 1;"},
		{"fence after prose", "Here is the query:\n```sql\nSELECT 1\n```", "SELECT 1;"},
		{"prose around fence", "Try this:\n```postgresql\nSELECT id\n  FROM orders\n```\nIt lists ids.", "SELECT id FROM orders;"},
		{"unclosed fence", "```sql\nSELECT 1", "SELECT 1;"},
		{"inline code", "`SELECT 1`", "SELECT 1;"},
		{"whitespace runs", "SELECT\tid,\n\n  total\r\nFROM   orders", "SELECT id, total FROM orders;"},
		{"quoted whitespace kept", "SELECT 'a  b' FROM t WHERE c = \"x\ty\"", "SELECT 'a  b' FROM t WHERE c = \"x\ty\";"},
		{"mysql identifiers kept", "SELECT `a`, `b` FROM t", "SELECT `a`, `b` FROM t;"},
		{"empty", "   \n ", ""},
		{"empty fence", "```sql\n```", ""},
	}
	for _, tc := range tests {
		if got := NormalizeStatement(tc.in); got != tc.want {
			t.Fatalf("%s: NormalizeStatement(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestNormalizeStatementProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	sqlish := gen.SliceOf(gen.OneConstOf(' ', '\n', '\t', 'S', 'e', '1', ';', '\'', '"', '`', '(', ')')).
		Map(func(runes []rune) string { return string(runes) })

	properties.Property("normalization is idempotent", prop.ForAll(
		func(text string) bool {
			once := NormalizeStatement(text)
			return NormalizeStatement(once) == once
		},
		sqlish,
	))

	properties.Property("non-empty output is terminated and trimmed", prop.ForAll(
		func(text string) bool {
			out := NormalizeStatement(text)
			if out == "" {
				return strings.TrimSpace(strings.ReplaceAll(text, "`", "")) == "" || strings.Contains(text, "`")
			}
			return strings.HasSuffix(out, ";") && strings.TrimSpace(out) == out
		},
		sqlish,
	))

	properties.Property("no whitespace runs outside quotes", prop.ForAll(
		func(words []string) bool {
			out := NormalizeStatement(strings.Join(words, " \n\t "))
			return !strings.Contains(out, "  ") && !strings.ContainsAny(out, "\n\t")
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
