package tooling

import (
	"regexp"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Risk patterns run against "name description" lowercased, strongest tier
// first. A tool that matches nothing is low risk.
var (
	criticalRiskRe = regexp.MustCompile(`delete|drop|truncate|destroy|wipe|purge|rm -rf|shutdown|terminate`)
	highRiskRe     = regexp.MustCompile(`write|update|insert|create|upload|send|post|execute|deploy|modify|transfer|payment|charge`)
	mediumRiskRe   = regexp.MustCompile(`fetch|download|request|browse|crawl|http|external`)
)

// deriveRisk grades a tool from its name and description.
func deriveRisk(spec cascade.ToolSpec) cascade.RiskTier {
	subject := lower(spec.Name + " " + spec.Description)
	switch {
	case criticalRiskRe.MatchString(subject):
		return cascade.RiskCritical
	case highRiskRe.MatchString(subject):
		return cascade.RiskHigh
	case mediumRiskRe.MatchString(subject):
		return cascade.RiskMedium
	default:
		return cascade.RiskLow
	}
}
