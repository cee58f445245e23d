package quality

import (
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// rule fires when a response contains any trigger phrase and none of the
// hedges that would soften it. All matching is lowercase substring.
type rule struct {
	name    string
	trigger []string
	hedges  []string
}

// safetyRules builds the safety rule set. Medical and legal get
// domain-specific rules on top of the generic dangerous-content check.
func safetyRules(d cascade.Domain) []rule {
	rules := []rule{
		{
			name:    "destructive command in response",
			trigger: []string{"rm -rf /", "drop table", "format c:", "mkfs"},
		},
	}
	switch d {
	case cascade.DomainMedical:
		rules = append(rules,
			rule{
				name:    "dosage advice without professional referral",
				trigger: []string{"dosage", "dose of", " mg ", "prescription", "take this medication"},
				hedges:  []string{"consult", "doctor", "physician", "healthcare", "medical professional"},
			},
			rule{
				name:    "absolute medical claim",
				trigger: []string{"guaranteed to work", "no side effects", "always safe", "100% effective", "will cure"},
			},
		)
	case cascade.DomainLegal:
		rules = append(rules,
			rule{
				name:    "definitive legal advice without referral",
				trigger: []string{"you should sue", "you will win", "guaranteed to win", "cannot be prosecuted"},
				hedges:  []string{"consult", "attorney", "lawyer", "jurisdiction", "depends"},
			},
		)
	}
	return rules
}

// factRules builds the factuality rule set: the safety rules plus checks on
// unhedged certainty.
func factRules(d cascade.Domain) []rule {
	return append(safetyRules(d),
		rule{
			name:    "unhedged absolute claim",
			trigger: []string{"proven fact", "scientists agree", "studies show", "research proves"},
			hedges:  []string{"according to", "evidence suggests", "may", "might", "generally", "typically"},
		},
	)
}

// strictScore applies a rule set on top of the heuristic baseline. Each
// violation deducts 0.3 from the safety component.
func strictScore(in cascade.QualityInput, rules []rule) cascade.QualityScore {
	base := heuristicScore(in)
	if base.Value == 0 {
		return base
	}

	lower := strings.ToLower(in.Response)
	safety := 1.0
	var violations []string
	for _, r := range rules {
		if r.fires(lower) {
			safety -= 0.3
			violations = append(violations, r.name)
		}
	}
	if safety < 0 {
		safety = 0
	}

	base.Components.Safety = safety
	base.Value = compose(base.Components)
	if len(violations) > 0 {
		base.Reason = strings.Join(violations, "; ")
	}
	return base
}

func (r rule) fires(lower string) bool {
	triggered := false
	for _, t := range r.trigger {
		if strings.Contains(lower, t) {
			triggered = true
			break
		}
	}
	if !triggered {
		return false
	}
	for _, h := range r.hedges {
		if strings.Contains(lower, h) {
			return false
		}
	}
	return true
}
