package query

import (
	"strings"
	"unicode"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// FullTextExpr is a parsed full-text search expression: a disjunction of
// conjunctions of terms. AND (juxtaposition) binds tighter than OR.
type FullTextExpr struct {
	Or [][]FullTextTerm
}

// FullTextTerm is a word or quoted phrase, optionally negated. A word ending
// in * matches any word with that prefix.
type FullTextTerm struct {
	Words   []string
	Negated bool
}

// ParseFullText parses the full-text search grammar: terms separated by
// spaces, "quoted phrases", a leading - for negation, and OR between
// conjunctions.
func ParseFullText(expr string) (*FullTextExpr, error) {
	const op = "query.ParseFullText"
	type token struct {
		text    string
		quoted  bool
		negated bool
	}
	var toks []token
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		t := token{}
		if runes[i] == '-' && i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			t.negated = true
			i++
		}
		var b strings.Builder
		if runes[i] == '"' {
			t.quoted = true
			i++
			closed := false
			for i < len(runes) {
				r := runes[i]
				i++
				if r == '\\' && i < len(runes) {
					b.WriteRune(runes[i])
					i++
					continue
				}
				if r == '"' {
					closed = true
					break
				}
				b.WriteRune(r)
			}
			if !closed {
				return nil, core.Errorf(core.ErrInvalidQuery, op, expr, "unterminated quoted phrase")
			}
		} else {
			for i < len(runes) && !unicode.IsSpace(runes[i]) {
				r := runes[i]
				i++
				if r == '\\' && i < len(runes) {
					r = runes[i]
					i++
				}
				b.WriteRune(r)
			}
		}
		t.text = b.String()
		toks = append(toks, t)
	}

	out := &FullTextExpr{}
	var cur []FullTextTerm
	for _, t := range toks {
		if !t.quoted && !t.negated && t.text == "OR" {
			if len(cur) == 0 {
				return nil, core.Errorf(core.ErrInvalidQuery, op, expr, "OR without a left operand")
			}
			out.Or = append(out.Or, cur)
			cur = nil
			continue
		}
		words := ftWords(t.text, true)
		if len(words) == 0 {
			continue
		}
		cur = append(cur, FullTextTerm{Words: words, Negated: t.negated})
	}
	if len(cur) == 0 {
		if len(out.Or) > 0 {
			return nil, core.Errorf(core.ErrInvalidQuery, op, expr, "OR without a right operand")
		}
		return nil, core.Errorf(core.ErrInvalidQuery, op, expr, "empty full-text expression")
	}
	out.Or = append(out.Or, cur)
	return out, nil
}

// ftWords splits text into lower-case words. With wildcard set a trailing *
// on a word is kept.
func ftWords(text string, wildcard bool) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if wildcard && r == '*' {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Match evaluates the expression against text. The score grows with the
// number of matched positive terms and is 0 when there is no match.
func (e *FullTextExpr) Match(text string) (bool, float64) {
	words := ftWords(text, false)
	matched := false
	var score float64
	for _, conj := range e.Or {
		ok, hits := matchAll(conj, words)
		if !ok {
			continue
		}
		matched = true
		if len(words) > 0 {
			score += float64(hits) / float64(len(words))
		}
	}
	if matched && score == 0 {
		score = 1e-6
	}
	return matched, score
}

func matchAll(conj []FullTextTerm, words []string) (bool, int) {
	hits := 0
	for _, t := range conj {
		n := occurrences(t.Words, words)
		if t.Negated {
			if n > 0 {
				return false, 0
			}
			continue
		}
		if n == 0 {
			return false, 0
		}
		hits += n
	}
	return true, hits
}

func occurrences(phrase, words []string) int {
	n := 0
	for i := 0; i+len(phrase) <= len(words); i++ {
		ok := true
		for j, p := range phrase {
			if !wordMatches(p, words[i+j]) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}

func wordMatches(pattern, word string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(word, prefix)
	}
	return pattern == word
}
