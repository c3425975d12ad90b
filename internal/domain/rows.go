package domain

import "time"

// RuleConfig is one detection rule as exposed by the scoring service.
// A nil ThresholdValue marks a flag-only rule with no numeric threshold.
type RuleConfig struct {
	ID             int        `json:"id,omitempty"`
	RuleKey        string     `json:"rule_key"`
	Description    string     `json:"description"`
	ThresholdValue *float64   `json:"threshold_value"`
	IsEnabled      bool       `json:"is_enabled"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Editable fields of a RuleConfig.
const (
	FieldThresholdValue = "threshold_value"
	FieldIsEnabled      = "is_enabled"
)

// SystemConfig is one numeric configuration value, such as a risk band edge.
type SystemConfig struct {
	ConfigKey   string `json:"config_key"`
	ConfigValue string `json:"config_value"`
	Description string `json:"description,omitempty"`
}

// FieldConfigValue is the only editable field of a SystemConfig.
const FieldConfigValue = "config_value"

// Risk band configuration keys.
const (
	BandLowMax    = "LOW_MAX"
	BandMediumMax = "MEDIUM_MAX"
	BandHighMax   = "HIGH_MAX"
)
