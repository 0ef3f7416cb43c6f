// Package policy holds the content-policy pre-check that runs before
// retrieval. A refused query never reaches the indexes or the model.
package policy

import (
	"regexp"
	"strings"
)

// Verdict is the outcome of a policy check.
type Verdict struct {
	Refused bool   `json:"refused"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Checker decides whether a query may proceed.
type Checker interface {
	Check(query string) Verdict
}

// Allow is a Checker that never refuses.
var Allow Checker = allowAll{}

type allowAll struct{}

func (allowAll) Check(string) Verdict { return Verdict{} }

// Rule refuses queries matching Pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Reason  string
}

// RuleChecker applies rules in order; the first match refuses.
type RuleChecker struct {
	rules []Rule
}

// NewRuleChecker creates a checker from rules.
func NewRuleChecker(rules ...Rule) *RuleChecker {
	return &RuleChecker{rules: rules}
}

// Check implements Checker.
func (c *RuleChecker) Check(query string) Verdict {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	for _, r := range c.rules {
		if r.Pattern.MatchString(q) {
			return Verdict{Refused: true, Rule: r.Name, Reason: r.Reason}
		}
	}
	return Verdict{}
}

const reproductionReason = "reproducing archive articles in full is not permitted; ask about their arguments or request a short quote instead"

// DefaultRules refuse verbatim reproduction of whole articles. Requests for
// a short quote are allowed; the router treats them as precision queries.
var DefaultRules = []Rule{
	{
		Name:    "full_text",
		Pattern: regexp.MustCompile(`\b(full|entire|complete|whole)\s+(text|article|essay|post|newsletter|issue|transcript)\b`),
		Reason:  reproductionReason,
	},
	{
		Name:    "verbatim_reproduction",
		Pattern: regexp.MustCompile(`\b(reproduce|copy|paste|print|dump|recite|give me|show me|output)\b.{0,40}\b(verbatim|word for word|word-for-word|in full|in its entirety)\b`),
		Reason:  reproductionReason,
	},
	{
		Name:    "paywall_bypass",
		Pattern: regexp.MustCompile(`\b(bypass|get around|circumvent)\b.{0,20}\bpaywall\b`),
		Reason:  "requests to circumvent subscription access are declined",
	},
}

// Default returns a checker with DefaultRules.
func Default() *RuleChecker {
	return NewRuleChecker(DefaultRules...)
}
