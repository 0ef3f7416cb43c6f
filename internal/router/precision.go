package router

import "regexp"

// Precision signal names, reported in this order.
const (
	SignalQuote         = "quote"
	SignalExactDate     = "exact_date"
	SignalNamedArtifact = "named_artifact"
)

const month = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`

var precisionPatterns = []struct {
	signal  string
	pattern *regexp.Regexp
}{
	{SignalQuote, regexp.MustCompile(`(?i)\b(?:quote|quotes|quoted|quotation|verbatim|word for word|exact (?:words|wording|phrase|phrasing|sentence)|exactly what|precisely what)\b|["“][^"”]{4,}["”]`)},
	{SignalExactDate, regexp.MustCompile(`(?i)\b(?:19|20)\d{2}-\d{2}-\d{2}\b|\b` + month + `\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+(?:19|20)\d{2}\b|\b\d{1,2}\s+` + month + `\.?,?\s+(?:19|20)\d{2}\b`)},
	{SignalNamedArtifact, regexp.MustCompile(`(?i)\b(?:article|essay|post|piece|newsletter|update|interview|podcast|episode)\s+(?:titled|called|entitled|named)\b|\b(?:issue|episode)\s+#?\d+\b`)},
}

// DetectPrecision reports whether query asks for precise evidence and which
// signals matched.
func DetectPrecision(query string) (bool, []string) {
	var signals []string
	for _, p := range precisionPatterns {
		if p.pattern.MatchString(query) {
			signals = append(signals, p.signal)
		}
	}
	return len(signals) > 0, signals
}
