package filter

import (
	"regexp"
	"strings"
)

// hasWildcard reports whether name uses shell wildcard syntax.
func hasWildcard(name string) bool {
	return strings.ContainsAny(name, "*?[")
}

// compileWildcard turns a shell wildcard into a regexp anchored to a whole
// directory entry name. Names never contain '/', so '*' matches any run of
// characters.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?s)^" + globToRegex(pattern) + "$")
}

//nolint:gocyclo,revive // cognitive-complexity: character-by-character glob parser
func globToRegex(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			} else {
				b.WriteString(`\\`)
			}
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			cls := pattern[i+1 : end]
			negate := strings.HasPrefix(cls, "!")
			if negate {
				cls = cls[1:]
			}
			cls = strings.NewReplacer(`\`, `\\`, "]", `\]`, "[", `\[`).Replace(cls)
			if negate {
				cls = "^" + cls
			}
			b.WriteString("[" + cls + "]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// classEnd returns the index of the ']' closing the class opened at
// pattern[start], or -1. A ']' right after '[' or "[!" is literal.
func classEnd(pattern string, start int) int {
	j := start + 1
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		if pattern[j] == ']' {
			return j
		}
	}
	return -1
}
