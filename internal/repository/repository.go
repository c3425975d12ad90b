// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveAuditEvent appends one audit event. Events are immutable; saving the
// same ID twice is an error.
func (r *SQLRepository) SaveAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	if ev == nil || ev.ID == "" || ev.Action == "" {
		return fmt.Errorf("%w: audit event requires id and action", domain.ErrInvalidInput)
	}

	var metadata []byte
	if len(ev.Metadata) > 0 {
		metadata, _ = json.Marshal(ev.Metadata)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			id, action, resource, resource_id, session_id,
			result, status_code, message, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, ev.Action, ev.Resource, ev.ResourceID, ev.SessionID,
		string(ev.Result), ev.StatusCode, ev.Message, string(metadata), ts,
	)
	return err
}

// ListAuditEvents returns matching events, newest first.
func (r *SQLRepository) ListAuditEvents(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	var where []string
	var args []any
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	limit = min(limit, maxAuditLimit)

	query := `
		SELECT id, action, resource, resource_id, session_id,
			   result, status_code, message, metadata, timestamp
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id LIMIT " + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var result string
		var message, metadata sql.NullString

		if err := rows.Scan(
			&ev.ID, &ev.Action, &ev.Resource, &ev.ResourceID, &ev.SessionID,
			&result, &ev.StatusCode, &message, &metadata, &ev.Timestamp,
		); err != nil {
			return nil, err
		}

		ev.Result = domain.AuditResult(result)
		ev.Message = message.String
		if metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// SavePayload stores the latest payload for a claim, replacing any earlier one.
func (r *SQLRepository) SavePayload(ctx context.Context, p *domain.ScoringPayload) error {
	if p == nil || p.ClaimID == "" {
		return fmt.Errorf("%w: payload requires claim_id", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var threat sql.NullString
	switch {
	case p.ThreatLevel != nil:
		threat = sql.NullString{String: string(*p.ThreatLevel), Valid: true}
	case p.RiskLevel != nil:
		threat = sql.NullString{String: string(*p.RiskLevel), Valid: true}
	}

	var score sql.NullFloat64
	if p.FinalRiskScore != nil {
		score = sql.NullFloat64{Float64: *p.FinalRiskScore, Valid: true}
	}

	query := `
		INSERT INTO payload_snapshots (claim_id, threat_level, final_risk_score, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (claim_id) DO UPDATE SET
			threat_level = excluded.threat_level,
			final_risk_score = excluded.final_risk_score,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		p.ClaimID, threat, score, string(data), time.Now().UTC(),
	)
	return err
}

// GetPayload loads the latest payload for a claim.
func (r *SQLRepository) GetPayload(ctx context.Context, claimID string) (*domain.ScoringPayload, error) {
	query := `SELECT payload FROM payload_snapshots WHERE claim_id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), claimID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p domain.ScoringPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", claimID, err)
	}
	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
