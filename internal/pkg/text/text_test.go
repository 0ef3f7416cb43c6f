package text

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "One thing. Another thing! A question?", []string{"One thing.", "Another thing!", "A question?"}},
		{"newlines", "First line\nSecond line.", []string{"First line", "Second line."}},
		{"abbreviation", "Firms such as Google, e.g. search, win. Next.", []string{"Firms such as Google, e.g. search, win.", "Next."}},
		{"initial", "Clayton M. Christensen wrote it. Yes.", []string{"Clayton M. Christensen wrote it.", "Yes."}},
		{"closing quote", `He said "it is free." Then left.`, []string{`He said "it is free."`, "Then left."}},
		{"decimal", "Growth was 3.5 percent. Fine.", []string{"Growth was 3.5 percent.", "Fine."}},
		{"marker before period", "Suppliers commoditize [ref:art-1]. Users win.", []string{"Suppliers commoditize [ref:art-1].", "Users win."}},
		{"blank", "  \n\n ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSentences_Offsets(t *testing.T) {
	s := "  Alpha beta.  Gamma delta. "
	spans := Sentences(s)
	if len(spans) != 2 {
		t.Fatalf("got %d spans", len(spans))
	}
	for _, sp := range spans {
		got := sp.Of(s)
		if strings.TrimSpace(got) != got || got == "" {
			t.Errorf("span %v = %q is not trimmed", sp, got)
		}
	}
}

func TestContentWords(t *testing.T) {
	got := ContentWords("The aggregators own the users, and the companies commoditize suppliers.")
	want := []string{"aggregator", "own", "user", "company", "commoditize", "supplier"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ContentWords() = %v, want %v", got, want)
	}
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"companies": "company",
		"users":     "user",
		"business":  "business",
		"status":    "status",
		"analysis":  "analysis",
		"gas":       "gas",
	}
	for in, want := range tests {
		if got := Stem(in); got != want {
			t.Errorf("Stem(%q) = %q, want %q", in, got, want)
		}
	}
}
