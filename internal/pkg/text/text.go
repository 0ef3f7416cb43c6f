// Package text provides sentence splitting and content-word extraction
// for claim matching.
package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is a half-open byte range [Start, End) of a string.
type Span struct {
	Start int
	End   int
}

// Of returns the substring covered by sp.
func (sp Span) Of(s string) string {
	return s[sp.Start:sp.End]
}

var abbreviations = map[string]bool{
	"e.g": true, "i.e": true, "mr": true, "mrs": true, "ms": true, "dr": true,
	"vs": true, "etc": true, "inc": true, "co": true, "corp": true, "ltd": true,
	"u.s": true, "st": true, "no": true, "fig": true, "jr": true, "sr": true,
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']', '*', '_':
		return true
	}
	return false
}

// Sentences splits s into trimmed sentence spans. Line breaks always end a
// sentence; '.', '!' and '?' end one when followed by whitespace or the end
// of input, except after common abbreviations and single-letter initials.
func Sentences(s string) []Span {
	var spans []Span
	start := 0

	emit := func(end int) {
		if sp, ok := trim(s, start, end); ok {
			spans = append(spans, sp)
		}
	}

	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '\n':
			emit(i)
			start = i + size
			i += size
			continue
		case r == '.' || r == '!' || r == '?':
			j := i + size
			for j < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[j:])
				if r2 == '.' || r2 == '!' || r2 == '?' || isCloser(r2) {
					j += sz
					continue
				}
				break
			}
			atEnd := j >= len(s)
			if !atEnd {
				next, _ := utf8.DecodeRuneInString(s[j:])
				atEnd = unicode.IsSpace(next)
			}
			if atEnd && !(r == '.' && isAbbreviation(s[start:i])) {
				emit(j)
				start = j
			}
			i = j
			continue
		}
		i += size
	}
	emit(len(s))
	return spans
}

func isAbbreviation(before string) bool {
	k := strings.LastIndexFunc(before, unicode.IsSpace)
	word := strings.ToLower(strings.TrimLeft(before[k+1:], `"'(“‘`))
	if word == "" {
		return false
	}
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsLetter(r)
	}
	return abbreviations[word]
}

func trim(s string, start, end int) (Span, bool) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return Span{Start: start, End: end}, end > start
}

// SplitSentences returns the sentence strings of s.
func SplitSentences(s string) []string {
	spans := Sentences(s)
	if len(spans) == 0 {
		return nil
	}
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = sp.Of(s)
	}
	return out
}

// Words returns the lower-cased alphanumeric tokens of s.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContentWords returns the distinct non-stop-words of s in first-seen
// order, with simple plural folding.
func ContentWords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range Words(s) {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		w = Stem(w)
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// Stem folds common plural endings: "companies" to "company",
// "aggregators" to "aggregator".
func Stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") &&
		!strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us") && !strings.HasSuffix(w, "is"):
		return w[:len(w)-1]
	}
	return w
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

var stopWords = func() map[string]bool {
	words := strings.Fields(`a about above after again against all also am an and any are aren as at be
		because been before being below between both but by can cannot could did do does doing down
		during each even ever every few for from further had has have having he her here hers herself
		him himself his how however i if in into is isn it its itself just least less let like made
		make makes many may me might more most much must my myself no nor not now of off often on once
		one only or other others our ours ourselves out over per rather really same she should so
		some such than that the their theirs them themselves then there these they this those though
		through thus to too under until up upon us very was we were what when where whether which while
		who whom whose why will with within without would yet you your yours yourself yourselves`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
