package query

import (
	"regexp"
	"strings"
)

// Like reports whether s matches a LIKE pattern: % matches any run of
// characters, _ matches exactly one, and a backslash makes the next
// character literal.
func Like(s, pattern string) bool {
	return compileLike(pattern).MatchString(s)
}

// likeRegexp compiles pattern once per query execution.
func (e *evaluator) likeRegexp(pattern string) *regexp.Regexp {
	re, ok := e.like[pattern]
	if !ok {
		re = compileLike(pattern)
		e.like[pattern] = re
	}
	return re
}

func compileLike(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		case '\\':
			if i+1 < len(runes) {
				i++
			}
			b.WriteString(regexp.QuoteMeta(string(runes[i])))
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
