package moderation

import "strings"

// RuleVerdict is the outcome of the local rule classifier.
type RuleVerdict struct {
	Hit    bool
	Reason Label  // violation category when Hit
	Term   string // the keyword or pattern name that matched
}

// ruleCategory pairs a keyword list with the category it maps to.
type ruleCategory struct {
	reason Label
	terms  []string
}

// Rules is the local keyword/pattern classifier. It runs entirely in-process
// with zero network cost and is checked before the remote classifier.
type Rules struct {
	categories []ruleCategory
	cfg        RuleConfig
}

// NewRules builds a rule classifier from the given configuration, skipping
// empty and whitespace-only keywords.
func NewRules(cfg RuleConfig) *Rules {
	clean := func(terms []string) []string {
		out := make([]string, 0, len(terms))
		for _, t := range terms {
			t = strings.TrimSpace(strings.ToLower(t))
			if t != "" {
				out = append(out, t)
			}
		}
		return out
	}

	// Category order is a policy decision, not an artifact: a message
	// containing both a sexual term and a threat term always classifies
	// as sexual. First match wins.
	return &Rules{
		categories: []ruleCategory{
			{reason: LabelSexual, terms: clean(cfg.Sexual)},
			{reason: LabelHateOrThreat, terms: clean(cfg.HateOrThreat)},
			{reason: LabelGrooming, terms: clean(cfg.Grooming)},
		},
		cfg: cfg,
	}
}

// Check runs the rule classifier against normalized text. Keyword categories
// are checked in priority order by substring containment, then the link and
// phone patterns produce a scam verdict. Empty text never matches.
func (r *Rules) Check(normalized string) RuleVerdict {
	if normalized == "" {
		return RuleVerdict{}
	}

	for _, cat := range r.categories {
		for _, term := range cat.terms {
			if strings.Contains(normalized, term) {
				return RuleVerdict{Hit: true, Reason: cat.reason, Term: term}
			}
		}
	}

	if r.cfg.LinkPattern != nil && r.cfg.LinkPattern.MatchString(normalized) {
		return RuleVerdict{Hit: true, Reason: LabelScam, Term: "link"}
	}
	if r.cfg.PhonePattern != nil && r.cfg.PhonePattern.MatchString(normalized) {
		return RuleVerdict{Hit: true, Reason: LabelScam, Term: "phone"}
	}

	return RuleVerdict{}
}
