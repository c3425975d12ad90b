package domain

// ThreatLevel is the severity bucket reported by the scoring service.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Valid reports whether t is one of the known levels.
func (t ThreatLevel) Valid() bool {
	switch t {
	case ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return true
	}
	return false
}

// FraudPattern is the dominant pattern label attached to a scored claim.
type FraudPattern string

const (
	PatternPhantom     FraudPattern = "PHANTOM"
	PatternUpcoding    FraudPattern = "UPCODING"
	PatternRepeatAbuse FraudPattern = "REPEAT_ABUSE"
	PatternMixed       FraudPattern = "MIXED"
	PatternNone        FraudPattern = "NONE"
)

// ScoringPayload is the intelligence result returned by the scoring service
// for a single claim. Optional fields are pointers so that "absent" and
// "zero" stay distinguishable.
type ScoringPayload struct {
	ClaimID          string          `json:"claim_id"`
	FinalRiskScore   *float64        `json:"final_risk_score,omitempty"`
	RiskLevel        *ThreatLevel    `json:"risk_level,omitempty"`
	ThreatLevel      *ThreatLevel    `json:"threat_level,omitempty"`
	RuleScoreNorm    *float64        `json:"rule_score_norm,omitempty"`
	AnomalyScoreNorm *float64        `json:"anomaly_score_norm,omitempty"`
	CompositeIndex   *int            `json:"composite_index,omitempty"`
	ConfidenceScore  *int            `json:"confidence_score,omitempty"`
	FraudPattern     *FraudPattern   `json:"fraud_pattern_detected,omitempty"`
	RuleTriggers     map[string]bool `json:"rule_triggers,omitempty"`
	Explanation      string          `json:"explanation,omitempty"`
	FeatureValues    map[string]any  `json:"feature_values,omitempty"`

	// Passed through to the detail view untouched.
	EnforcementState string         `json:"enforcement_state,omitempty"`
	SignalVector     map[string]any `json:"signal_vector,omitempty"`
	KnowledgeSignals map[string]any `json:"knowledge_signals,omitempty"`
}
