package analyzer

import (
	"strings"
	"unicode"
)

// Normalize replaces quoted string literals and standalone numeric literals
// with "?" and collapses runs of whitespace, so that statements differing
// only in literal values compare equal. Identifiers such as "t1" or quoted
// identifiers ("col") are preserved.
func Normalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	runes := []rune(strings.TrimSpace(sql))
	space := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			space = true

			continue
		case r == '\'':
			// Skip to the closing quote; '' is an escaped quote.
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\'' {
					if j+1 < len(runes) && runes[j+1] == '\'' {
						j += 2

						continue
					}

					break
				}

				j++
			}

			writeSpace(&b, &space)
			b.WriteByte('?')

			i = j
		case unicode.IsDigit(r) && !identPart(runes, i-1):
			j := i
			for j+1 < len(runes) && (unicode.IsDigit(runes[j+1]) || runes[j+1] == '.') {
				j++
			}

			writeSpace(&b, &space)
			b.WriteByte('?')

			i = j
		default:
			writeSpace(&b, &space)
			b.WriteRune(r)
		}
	}

	return b.String()
}

func writeSpace(b *strings.Builder, pending *bool) {
	if *pending && b.Len() > 0 {
		b.WriteByte(' ')
	}

	*pending = false
}

// identPart reports whether runes[i] continues an identifier.
func identPart(runes []rune, i int) bool {
	if i < 0 {
		return false
	}

	r := runes[i]

	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '"' || r == '.'
}
