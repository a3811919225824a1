package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one substitution made by a [Corrector].
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Corrector rewrites a completed user turn. Implementations must be safe for
// concurrent use.
type Corrector interface {
	Correct(text string) (string, []Correction)
}

// VocabularyOption configures a [Vocabulary].
type VocabularyOption func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term whose
// Double Metaphone codes overlap the spoken words. Default: 0.70.
func WithPhoneticThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) { v.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term with no
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) VocabularyOption {
	return func(v *Vocabulary) { v.fuzzyThreshold = threshold }
}

// term is a vocabulary entry with its phonetic codes computed once.
type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Vocabulary is a [Corrector] that snaps misheard words onto a fixed list of
// terms. Candidates are filtered by Double Metaphone overlap and ranked by
// Jaro-Winkler similarity; when nothing sounds alike, a stricter pure
// Jaro-Winkler pass is tried.
//
// A Vocabulary is read-only after construction.
type Vocabulary struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ Corrector = (*Vocabulary)(nil)

// NewVocabulary prepares terms for matching. Blank terms are ignored.
func NewVocabulary(terms []string, opts ...VocabularyOption) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			text:   strings.TrimSpace(t),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// Match returns the term that best matches phrase. When matched is false,
// corrected equals phrase and confidence is 0.
func (v *Vocabulary) Match(phrase string) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if len(v.terms) == 0 || lower == "" {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := codesForTokens(tokens)

	var (
		best     string
		score    float64
		phonetic bool
	)
	for _, t := range v.terms {
		jw := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if jw >= v.phoneticThreshold && (!phonetic || jw > score) {
				best, score, phonetic = t.text, jw, true
			}
		} else if !phonetic && jw >= v.fuzzyThreshold && jw > score {
			best, score = t.text, jw
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, score, true
}

// Correct scans text left to right, trying the longest word window first so
// multi-word terms win over partial single-word matches. Words already equal
// to a term are left alone and not reported.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(v.terms) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var corrections []Correction
	for i := 0; i < len(tokens); {
		n := min(v.maxWords, len(tokens)-i)
		for ; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			bare := strings.TrimRight(window, ".,!?;:")
			got, conf, ok := v.Match(bare)
			if !ok {
				continue
			}
			out = append(out, got+window[len(bare):])
			if got != bare {
				corrections = append(corrections, Correction{
					Original:   bare,
					Corrected:  got,
					Confidence: conf,
				})
			}
			i += n
			break
		}
		if n == 0 {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
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

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every token pair.
func bestJWScore(inTokens, termTokens []string, inFull, termFull string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(inTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	for _, a := range inTokens {
		for _, b := range termTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
