package domain

import "time"

// DateLayout is the calendar date format used by the intake form.
const DateLayout = "2006-01-02"

// ClaimIntake holds the values collected by the claim-intake wizard.
type ClaimIntake struct {
	ClaimID       string  `json:"claim_id"`
	HospitalID    string  `json:"hospital_id"`
	PatientID     string  `json:"patient_id"`
	ProcedureCode string  `json:"procedure_code"`
	PackageRate   float64 `json:"package_rate"`
	ClaimAmount   float64 `json:"claim_amount"`
	AdmissionDate string  `json:"admission_date"`
	DischargeDate string  `json:"discharge_date"`
	IsInpatient   int     `json:"is_inpatient"`
}

// ClaimSummary is one row of the claim list.
type ClaimSummary struct {
	ClaimID        string       `json:"claim_id"`
	HospitalID     string       `json:"hospital_id,omitempty"`
	PatientID      string       `json:"patient_id,omitempty"`
	ProcedureCode  string       `json:"procedure_code,omitempty"`
	ClaimAmount    float64      `json:"claim_amount"`
	FinalRiskScore float64      `json:"final_risk_score"`
	ThreatLevel    ThreatLevel  `json:"threat_level,omitempty"`
	RiskLevel      ThreatLevel  `json:"risk_level,omitempty"`
	FraudPattern   FraudPattern `json:"fraud_pattern_detected,omitempty"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
}

// ClaimFilter narrows the claim list. Zero values mean "no constraint".
type ClaimFilter struct {
	MinScore    *float64
	MaxScore    *float64
	ThreatLevel ThreatLevel
	Limit       int
}

// Claim list limits enforced by the scoring service.
const (
	DefaultClaimLimit = 500
	MaxClaimLimit     = 2000
)
