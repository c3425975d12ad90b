package repository

// Schema definitions for the claimdesk database.
// Compatible with both SQLite and PostgreSQL.

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    resource TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    result TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    message TEXT,
    metadata TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource, resource_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
`

// schemaPayloadSnapshots keeps the latest scoring payload per claim so the
// detail view survives a console restart.
const schemaPayloadSnapshots = `
CREATE TABLE IF NOT EXISTS payload_snapshots (
    claim_id TEXT PRIMARY KEY,
    threat_level TEXT,
    final_risk_score REAL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payload_snapshots_threat ON payload_snapshots(threat_level);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaAuditEvents,
		schemaPayloadSnapshots,
	}
}
