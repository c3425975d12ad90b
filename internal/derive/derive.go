// Package derive turns a raw scoring payload into the metrics an operator reads.
// Derivation is pure and never fails: missing or malformed inputs fall back to
// defaults and are reported as warnings on the returned View.
package derive

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// Signal weights used for the contribution breakdown.
const (
	RuleWeight    = 0.70
	AnomalyWeight = 0.30
)

// Priority is the operator-facing action label for a threat class.
type Priority string

const (
	PriorityAutoApprove Priority = "AUTO_APPROVE"
	PriorityUnderReview Priority = "UNDER_REVIEW"
	PriorityEscalated   Priority = "ESCALATED"
	PriorityHardStop    Priority = "HARD_STOP"
)

var priorities = map[domain.ThreatLevel]Priority{
	domain.ThreatLow:      PriorityAutoApprove,
	domain.ThreatMedium:   PriorityUnderReview,
	domain.ThreatHigh:     PriorityEscalated,
	domain.ThreatCritical: PriorityHardStop,
}

var threatTitles = map[domain.ThreatLevel]string{
	domain.ThreatLow:      "LOW RISK",
	domain.ThreatMedium:   "ELEVATED RISK",
	domain.ThreatHigh:     "HIGH RISK",
	domain.ThreatCritical: "CRITICAL RISK",
}

var patternTitles = map[domain.FraudPattern]string{
	domain.PatternPhantom:     "Phantom Billing Pattern",
	domain.PatternUpcoding:    "Cost Inflation Pattern",
	domain.PatternRepeatAbuse: "Repeat Procedure Abuse Pattern",
	domain.PatternMixed:       "Multi-Signal Fraud Pattern",
	domain.PatternNone:        "No Fraud Pattern Detected",
}

// Fallback pattern titles.
const (
	UnknownPatternTitle     = "Unknown Pattern"
	StatisticalAnomalyTitle = "Statistical Anomaly"
)

// RuleLabels names the detection rules the scoring service reports triggers for.
var RuleLabels = map[string]string{
	"zero_day_inpatient":     "RULE_01: Zero-Day Inpatient Stay",
	"high_amount_zscore":     "RULE_02: Extreme Cost Deviation",
	"repeat_procedure_flag":  "RULE_03: Recurring Procedure Abuse",
	"near_package_ceiling":   "RULE_04: Package Rate Maximization",
	"high_patient_frequency": "RULE_05: High Claim Frequency",
}

// TriggeredRule is one rule that fired for the claim.
type TriggeredRule struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// View is the derived, display-ready reading of a ScoringPayload.
type View struct {
	ClaimID                    string              `json:"claim_id"`
	ThreatClass                domain.ThreatLevel  `json:"threat_class"`
	ThreatTitle                string              `json:"threat_title"`
	IsSevere                   bool                `json:"is_severe"`
	CompositeIndex             int                 `json:"composite_index"`
	SignalStrength             int                 `json:"signal_strength"`
	RuleContributionPercent    float64             `json:"rule_contribution_percent"`
	AnomalyContributionPercent float64             `json:"anomaly_contribution_percent"`
	BreakdownAvailable         bool                `json:"breakdown_available"`
	PriorityLabel              Priority            `json:"priority_label"`
	Pattern                    domain.FraudPattern `json:"pattern"`
	PatternTitle               string              `json:"pattern_title"`
	Headline                   string              `json:"headline"`
	Subheadline                string              `json:"subheadline"`
	TriggeredRules             []TriggeredRule     `json:"triggered_rules"`
	Warnings                   []string            `json:"warnings,omitempty"`
}

// Incomplete reports whether derivation had to fall back on missing fields.
func (v View) Incomplete() bool {
	return len(v.Warnings) > 0
}

// Derive computes the View for a payload.
func Derive(p *domain.ScoringPayload) View {
	if p == nil {
		p = &domain.ScoringPayload{}
	}

	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	threat := resolveThreat(p, warn)
	if p.FinalRiskScore == nil {
		warn("incomplete payload: final_risk_score missing")
	}

	composite := compositeIndex(p, warn)
	rulePct, anomalyPct, ok := contributions(valueOr(p.RuleScoreNorm, 0), valueOr(p.AnomalyScoreNorm, 0), warn)

	pattern := domain.PatternNone
	if p.FraudPattern != nil && *p.FraudPattern != "" {
		pattern = *p.FraudPattern
	}
	title := PatternTitle(pattern, threat)

	strength := composite
	if p.ConfidenceScore != nil && *p.ConfidenceScore > 0 {
		strength = *p.ConfidenceScore
	}

	headline, subheadline := headlines(threat, pattern, title)

	return View{
		ClaimID:                    p.ClaimID,
		ThreatClass:                threat,
		ThreatTitle:                threatTitles[threat],
		IsSevere:                   IsSevere(threat),
		CompositeIndex:             composite,
		SignalStrength:             strength,
		RuleContributionPercent:    rulePct,
		AnomalyContributionPercent: anomalyPct,
		BreakdownAvailable:         ok,
		PriorityLabel:              priorities[threat],
		Pattern:                    pattern,
		PatternTitle:               title,
		Headline:                   headline,
		Subheadline:                subheadline,
		TriggeredRules:             TriggeredRules(p.RuleTriggers),
		Warnings:                   warnings,
	}
}

// PriorityFor returns the action label for a threat class.
func PriorityFor(t domain.ThreatLevel) Priority {
	if p, ok := priorities[t]; ok {
		return p
	}
	return PriorityAutoApprove
}

// IsSevere reports whether the threat class demands escalation.
func IsSevere(t domain.ThreatLevel) bool {
	return t == domain.ThreatHigh || t == domain.ThreatCritical
}

// PatternTitle returns the human-readable title for a pattern. NONE reads as a
// statistical anomaly once the threat class is above LOW.
func PatternTitle(pattern domain.FraudPattern, threat domain.ThreatLevel) string {
	if pattern == domain.PatternNone && threat != domain.ThreatLow {
		return StatisticalAnomalyTitle
	}
	if title, ok := patternTitles[pattern]; ok {
		return title
	}
	return UnknownPatternTitle
}

// TriggeredRules lists the rules whose trigger flag is set, in key order.
func TriggeredRules(triggers map[string]bool) []TriggeredRule {
	out := make([]TriggeredRule, 0, len(triggers))
	for key, fired := range triggers {
		if !fired {
			continue
		}
		label, ok := RuleLabels[key]
		if !ok {
			label = strings.ToUpper(key)
		}
		out = append(out, TriggeredRule{Key: key, Label: label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func resolveThreat(p *domain.ScoringPayload, warn func(string, ...any)) domain.ThreatLevel {
	if p.ThreatLevel == nil && p.RiskLevel == nil {
		warn("incomplete payload: threat_level and risk_level both missing")
		return domain.ThreatLow
	}
	for _, lvl := range []*domain.ThreatLevel{p.ThreatLevel, p.RiskLevel} {
		if lvl == nil {
			continue
		}
		if lvl.Valid() {
			return *lvl
		}
		warn("unrecognised threat level %q ignored", string(*lvl))
	}
	return domain.ThreatLow
}

func compositeIndex(p *domain.ScoringPayload, warn func(string, ...any)) int {
	if p.CompositeIndex != nil {
		return clampIndex(*p.CompositeIndex, warn)
	}
	score := valueOr(p.FinalRiskScore, 0)
	if score < 0 || score > 1 {
		warn("final_risk_score %.4f outside 0..1", score)
	}
	return clampIndex(int(math.Round(100*score)), warn)
}

func clampIndex(idx int, warn func(string, ...any)) int {
	if idx < 0 || idx > 100 {
		warn("composite index %d clamped to 0..100", idx)
		return min(max(idx, 0), 100)
	}
	return idx
}

// contributions splits the weighted signal between rules and anomaly model.
// Percentages are kept in tenths so the anomaly share is the exact complement.
func contributions(ruleNorm, anomalyNorm float64, warn func(string, ...any)) (float64, float64, bool) {
	ruleNorm = clampNorm("rule_score_norm", ruleNorm, warn)
	anomalyNorm = clampNorm("anomaly_score_norm", anomalyNorm, warn)

	ruleW := RuleWeight * ruleNorm
	anomalyW := AnomalyWeight * anomalyNorm
	total := ruleW + anomalyW
	if total == 0 {
		return 0, 0, false
	}

	ruleTenths := int(math.Round(1000 * ruleW / total))
	return float64(ruleTenths) / 10, float64(1000-ruleTenths) / 10, true
}

func clampNorm(name string, v float64, warn func(string, ...any)) float64 {
	if v < 0 || v > 1 || math.IsNaN(v) {
		warn("%s %.4f outside 0..1", name, v)
		if math.IsNaN(v) {
			return 0
		}
		return math.Min(math.Max(v, 0), 1)
	}
	return v
}

func headlines(threat domain.ThreatLevel, pattern domain.FraudPattern, title string) (string, string) {
	switch threat {
	case domain.ThreatLow:
		return "No Significant Fraud Detected", "Auto Approval Recommended"
	case domain.ThreatMedium:
		return "Potential " + title, "Review Recommended"
	}
	if pattern == domain.PatternNone {
		return "Statistical Anomaly Detected", "Immediate Investigation Required"
	}
	return title + " Detected – High Confidence", "Immediate Investigation Required"
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
