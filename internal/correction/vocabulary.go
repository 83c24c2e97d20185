package correction

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// Tokens shorter than this are never rewritten; short function words
	// match far too many terms phonetically.
	minCandidateRunes = 3
)

// VocabularyOption is a functional option for [Vocabulary].
type VocabularyOption func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) {
		v.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) {
		v.fuzzyThreshold = threshold
	}
}

// Vocabulary replaces words that sound like a configured custom term (product
// names, jargon, people) with the term's canonical spelling.
//
// Matching combines Double Metaphone codes for candidate filtering with
// Jaro-Winkler similarity for ranking. Multi-word terms are matched against
// n-grams of the same length. The term list can be swapped at runtime with
// [Vocabulary.SetTerms]; all methods are safe for concurrent use.
type Vocabulary struct {
	terms             atomic.Pointer[termSet]
	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ Corrector = (*Vocabulary)(nil)

// termSet is an immutable snapshot of the configured terms.
type termSet struct {
	terms    []term
	maxWords int
}

type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// NewVocabulary returns a Vocabulary for terms.
func NewVocabulary(terms []string, opts ...VocabularyOption) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}
	v.SetTerms(terms)
	return v
}

// SetTerms atomically replaces the term list.
func (v *Vocabulary) SetTerms(terms []string) {
	set := &termSet{}
	for _, raw := range terms {
		canonical := strings.TrimSpace(raw)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		set.terms = append(set.terms, term{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		set.maxWords = max(set.maxWords, len(tokens))
	}
	v.terms.Store(set)
}

// Terms returns the canonical spellings currently in use.
func (v *Vocabulary) Terms() []string {
	set := v.terms.Load()
	out := make([]string, len(set.terms))
	for i, t := range set.terms {
		out[i] = t.canonical
	}
	return out
}

// Correct implements [Corrector].
func (v *Vocabulary) Correct(_ context.Context, text string, _ protocol.Context) (string, error) {
	return v.Apply(text), nil
}

// Apply rewrites every span of text that matches a term. Whitespace and
// surrounding punctuation are preserved.
func (v *Vocabulary) Apply(text string) string {
	set := v.terms.Load()
	if set == nil || len(set.terms) == 0 {
		return text
	}
	words := tokenize(text)
	if len(words) == 0 {
		return text
	}

	var sb strings.Builder
	last := 0
	for i := 0; i < len(words); {
		replaced := false
		for n := min(set.maxWords, len(words)-i); n >= 1; n-- {
			start, end := words[i].start, words[i+n-1].end
			lead, core, trail := splitPunct(text[start:end])
			if utf8.RuneCountInString(core) < minCandidateRunes {
				continue
			}
			canonical, ok := v.match(set, core, n)
			if !ok || canonical == core {
				continue
			}
			sb.WriteString(text[last:start])
			sb.WriteString(lead)
			sb.WriteString(canonical)
			sb.WriteString(trail)
			last = end
			i += n
			replaced = true
			break
		}
		if !replaced {
			i++
		}
	}
	if last == 0 {
		return text
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// match finds the best term with exactly n words for candidate.
func (v *Vocabulary) match(set *termSet, candidate string, n int) (string, bool) {
	lower := strings.ToLower(candidate)
	tokens := strings.Fields(lower)
	inputCodes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range set.terms {
		if len(t.tokens) != n {
			continue
		}
		if t.lower == lower {
			return t.canonical, true
		}
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= v.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		} else if !bestPhonetic && score >= v.fuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}
	return best, best != ""
}

// span is a run of non-space bytes in the input.
type span struct{ start, end int }

func tokenize(text string) []span {
	var out []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				out = append(out, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, span{start, len(text)})
	}
	return out
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(s, unicode.IsPunct)
	lead = s[:len(s)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the term, comparing both the full strings and their space-stripped
// forms ("git hub" vs "github").
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)
	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}
	return score
}
