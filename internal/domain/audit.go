package domain

import "time"

// AuditResult is the outcome recorded for an audit event.
type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
)

// Audit actions emitted by the console.
const (
	ActionClaimScored   = "claim.scored"
	ActionClaimRejected = "claim.rejected"
	ActionRuleSaved     = "rule.saved"
	ActionConfigSaved   = "config.saved"
	ActionSessionOpened = "session.opened"
	ActionSessionClosed = "session.closed"
)

// AuditEvent records one operator-visible outcome.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id"`
	SessionID  string            `json:"session_id"`
	Result     AuditResult       `json:"result"`
	StatusCode int               `json:"status_code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// AuditFilter narrows an audit history query.
type AuditFilter struct {
	Resource   string
	ResourceID string
	Limit      int
}
