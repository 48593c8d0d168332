package naming

import (
	"strings"
	"unicode"
)

// words splits a Go style identifier into lower case words, keeping
// acronyms together: "HTTPRequestSent" -> [http request sent].
func words(s string) []string {
	r := []rune(s)
	var (
		out  []string
		word strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			out = append(out, word.String())
			word.Reset()
		}
	}
	for i, char := range r {
		if char == '.' || char == '_' || char == '-' || char == ' ' {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(char) {
			prevLower := unicode.IsLower(r[i-1]) || unicode.IsDigit(r[i-1])
			endOfAcronym := unicode.IsUpper(r[i-1]) && i+1 < len(r) && unicode.IsLower(r[i+1])
			if prevLower || endOfAcronym {
				flush()
			}
		}
		word.WriteRune(unicode.ToLower(char))
	}
	flush()
	return out
}

func ToSnake(s string) string { return strings.Join(words(s), "_") }
func ToKebab(s string) string { return strings.Join(words(s), "-") }
func ToDot(s string) string   { return strings.Join(words(s), ".") }
