package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/cascadeflow/cascadeflow/cascade"
)

type stubEmbedder struct {
	fail bool
}

func (s stubEmbedder) Embed(text string) ([]float64, error) {
	if s.fail {
		return nil, errors.New("embedder offline")
	}
	switch {
	case strings.Contains(text, "legal") || strings.Contains(text, "indemnification"):
		return []float64{1, 0, 0}, nil
	case strings.Contains(text, "code"):
		return []float64{0, 1, 0}, nil
	default:
		return []float64{0, 0, 1}, nil
	}
}

func TestDomainRuleBased(t *testing.T) {
	d := NewDomainClassifier()

	tests := []struct {
		text string
		want cascade.Domain
	}{
		{"fix this python code bug", cascade.DomainCode},
		{"summarize this article into key points", cascade.DomainSummary},
		{"hello there, how are you today", cascade.DomainConversation},
		{"what color is the sky on mars", cascade.DomainGeneral},
		{"translate this paragraph and give the result in french", cascade.DomainTranslation},
		{"compute the integral and prove the theorem", cascade.DomainMath},
	}

	for _, tt := range tests {
		got := d.Classify(tt.text)
		if got.Domain != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.text, got.Domain, tt.want)
		}
		if got.Overridden {
			t.Errorf("Classify(%q) marked overridden without an embedder", tt.text)
		}
	}
}

func TestDomainEmbeddingOverride(t *testing.T) {
	d := NewDomainClassifier(WithEmbedder(stubEmbedder{}, 0.15))

	// No legal keywords, so the rule path says general; the embedding is
	// unambiguously closest to the legal prototype.
	got := d.Classify("Review the indemnification obligations in this agreement")
	if got.Domain != cascade.DomainLegal {
		t.Fatalf("domain = %s, want legal via embedding override", got.Domain)
	}
	if !got.Overridden {
		t.Error("result not marked overridden")
	}
}

func TestDomainOverrideRespectsMarginFloor(t *testing.T) {
	// A floor above any possible margin keeps the rule-based answer.
	d := NewDomainClassifier(WithEmbedder(stubEmbedder{}, 2.0))

	got := d.Classify("Review the indemnification obligations in this agreement")
	if got.Domain != cascade.DomainGeneral {
		t.Errorf("domain = %s, want general when margin floor is unreachable", got.Domain)
	}
	if got.Overridden {
		t.Error("override fired below the margin floor")
	}
}

func TestDomainEmbedderFailureDegradesSilently(t *testing.T) {
	d := NewDomainClassifier(WithEmbedder(stubEmbedder{fail: true}, 0.15))

	got := d.Classify("fix this python code bug")
	if got.Domain != cascade.DomainCode {
		t.Errorf("domain = %s, want code from the rule path", got.Domain)
	}
}

func TestDomainSetIsClosed(t *testing.T) {
	for _, rule := range domainRules {
		if !cascade.ValidDomain(rule.domain) {
			t.Errorf("rule domain %s not in the closed set", rule.domain)
		}
	}
	for dom := range domainPrototypes {
		if !cascade.ValidDomain(dom) {
			t.Errorf("prototype domain %s not in the closed set", dom)
		}
	}
}
