// Package console is the operator application context. A Session owns one
// operator's forms, edit buffers and scoring hand-off; the Manager opens,
// looks up and expires sessions.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/claimdesk/internal/derive"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/editbuffer"
	"github.com/opensource-finance/claimdesk/internal/gateway"
	"github.com/opensource-finance/claimdesk/internal/policy"
	"github.com/opensource-finance/claimdesk/internal/submission"
	"github.com/opensource-finance/claimdesk/internal/telemetry"
)

var (
	// ErrSessionNotFound is returned for an unknown or expired session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFormNotFound is returned for an unknown form id.
	ErrFormNotFound = errors.New("form not found")
)

// Intelligence sources, in lookup order.
const (
	SourceHandoff = "handoff"
	SourceCache   = "cache"
	SourceGateway = "gateway"
)

// Deps are the shared services every session uses.
type Deps struct {
	Gateway    *gateway.Client
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *telemetry.Metrics
	BandGuard  *policy.BandGuard
	Filters    *policy.FilterCompiler
	Timings    submission.Timings
	PayloadTTL time.Duration

	// AfterFunc replaces the form timers. Nil uses real timers.
	AfterFunc submission.AfterFunc
}

// Intelligence is a payload together with its derived view.
type Intelligence struct {
	Payload *domain.ScoringPayload `json:"payload"`
	View    derive.View            `json:"view"`
	Source  string                 `json:"source"`
}

// Session is one operator's console state.
type Session struct {
	id        string
	createdAt time.Time
	deps      Deps
	gw        *gateway.Client

	rules  *editbuffer.Buffer[domain.RuleConfig]
	config *editbuffer.Buffer[domain.SystemConfig]

	mu       sync.Mutex
	forms    map[string]*submission.Machine
	handoff  *domain.ScoringPayload
	lastSeen time.Time
	closed   bool
}

func newSession(token string, deps Deps, now time.Time) *Session {
	gw := deps.Gateway.WithToken(token)
	return &Session{
		id:        uuid.New().String(),
		createdAt: now,
		deps:      deps,
		gw:        gw,
		rules:     newRuleBuffer(gw),
		config:    newConfigBuffer(gw, deps.BandGuard),
		forms:     make(map[string]*submission.Machine),
		lastSeen:  now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastSeen returns when the session was last used.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// OpenForm starts a new claim-intake form.
func (s *Session) OpenForm() (submission.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return submission.Snapshot{}, ErrSessionNotFound
	}

	opts := []submission.Option{
		submission.WithObserver(s.observeForm),
		submission.WithRedirect(s.receiveHandoff),
	}
	if s.deps.AfterFunc != nil {
		opts = append(opts, submission.WithAfterFunc(s.deps.AfterFunc))
	}

	m := submission.New(uuid.New().String(), s.gw, s.deps.Timings, opts...)
	s.forms[m.ID()] = m
	return m.Snapshot(), nil
}

// Form returns a form by id.
func (s *Session) Form(id string) (*submission.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionNotFound
	}
	m, ok := s.forms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, id)
	}
	return m, nil
}

// Submit sends the claim through the form's state machine and records the
// outcome. A successful score is cached and published for the recorder.
func (s *Session) Submit(ctx context.Context, formID string, claim domain.ClaimIntake) (submission.Snapshot, error) {
	m, err := s.Form(formID)
	if err != nil {
		return submission.Snapshot{}, err
	}

	snap, err := m.Submit(ctx, claim)
	if err != nil {
		return snap, err
	}

	ev := &domain.AuditEvent{
		Resource:   "claim",
		ResourceID: claim.ClaimID,
		StatusCode: snap.StatusCode,
		Metadata: map[string]string{
			"form_id": formID,
			"state":   string(snap.State),
		},
	}

	if snap.State == submission.StateSucceeded && snap.Payload != nil {
		ev.Action = domain.ActionClaimScored
		ev.Result = domain.AuditSuccess
		s.storePayload(ctx, snap.Payload)

		view := derive.Derive(snap.Payload)
		s.logWarnings(view)
		ev.Metadata["threat_class"] = string(view.ThreatClass)
		ev.Metadata["priority"] = string(view.PriorityLabel)
	} else {
		ev.Action = domain.ActionClaimRejected
		ev.Result = domain.AuditFailure
		ev.Message = snap.Message
		ev.Metadata["error_kind"] = string(snap.Kind)
	}
	s.audit(ctx, ev)

	return snap, nil
}

// Intelligence returns the payload for a claim: the hand-off from this
// session's last successful submission, then the cache, then the scoring
// service.
func (s *Session) Intelligence(ctx context.Context, claimID string) (*Intelligence, error) {
	if claimID == "" {
		return nil, fmt.Errorf("%w: claim ID is required", domain.ErrInvalidInput)
	}

	source := SourceHandoff
	payload := s.Handoff(claimID)

	if payload == nil && s.deps.Cache != nil {
		p, err := s.deps.Cache.GetPayload(ctx, claimID)
		if err != nil {
			slog.Warn("payload cache read failed", "claim_id", claimID, "error", err)
		}
		if p != nil {
			payload, source = p, SourceCache
		}
	}

	if payload == nil {
		p, err := s.gw.GetIntelligence(ctx, claimID)
		if err != nil {
			return nil, err
		}
		payload, source = p, SourceGateway
		s.cachePayload(ctx, payload)
	}

	view := derive.Derive(payload)
	s.logWarnings(view)
	return &Intelligence{Payload: payload, View: view, Source: source}, nil
}

// Handoff returns the payload handed over by the last redirect, if it is
// for claimID.
func (s *Session) Handoff(claimID string) *domain.ScoringPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handoff != nil && s.handoff.ClaimID == claimID {
		return s.handoff
	}
	return nil
}

// Claims lists scored claims. expr, when set, is a CEL filter applied to
// the rows the scoring service returns.
func (s *Session) Claims(ctx context.Context, f domain.ClaimFilter, expr string) ([]domain.ClaimSummary, error) {
	var filter *policy.ClaimFilter
	if expr != "" {
		if s.deps.Filters == nil {
			return nil, fmt.Errorf("%w: claim filters are disabled", domain.ErrInvalidInput)
		}
		var err error
		if filter, err = s.deps.Filters.Compile(expr); err != nil {
			return nil, err
		}
	}

	claims, err := s.gw.ListClaims(ctx, f)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		claims = filter.Apply(claims)
	}
	return claims, nil
}

// Rules fetches the rule list and returns it merged with pending edits.
func (s *Session) Rules(ctx context.Context) ([]RowState[domain.RuleConfig], error) {
	rows, err := s.gw.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	s.rules.Load(rows)
	return rowStates(s.rules, ruleKey), nil
}

// EditRule stages a field edit on a rule.
func (s *Session) EditRule(key, field string, value any) (RowState[domain.RuleConfig], error) {
	if err := s.rules.SetField(key, field, value); err != nil {
		return RowState[domain.RuleConfig]{}, err
	}
	row, _ := s.rules.Row(key)
	return rowState(s.rules, key, row), nil
}

// SaveRule sends a rule's pending edits.
func (s *Session) SaveRule(ctx context.Context, key string) (RowState[domain.RuleConfig], error) {
	patch := s.rules.Pending(key)
	_, err := s.rules.Save(ctx, key)
	s.recordSave(ctx, EditorRules, domain.ActionRuleSaved, key, patch, err)

	row, _ := s.rules.Row(key)
	return rowState(s.rules, key, row), err
}

// DiscardRule drops a rule's pending edits.
func (s *Session) DiscardRule(key string) RowState[domain.RuleConfig] {
	s.rules.Discard(key)
	row, _ := s.rules.Row(key)
	return rowState(s.rules, key, row)
}

// Config fetches the configuration values and returns them merged with
// pending edits.
func (s *Session) Config(ctx context.Context) ([]RowState[domain.SystemConfig], error) {
	rows, err := s.gw.ListConfig(ctx)
	if err != nil {
		return nil, err
	}
	s.config.Load(rows)
	return rowStates(s.config, configKey), nil
}

// EditConfig stages a new value for a configuration key.
func (s *Session) EditConfig(key string, value any) (RowState[domain.SystemConfig], error) {
	if err := s.config.SetField(key, domain.FieldConfigValue, value); err != nil {
		return RowState[domain.SystemConfig]{}, err
	}
	row, _ := s.config.Row(key)
	return rowState(s.config, key, row), nil
}

// SaveConfig sends a configuration key's pending value.
func (s *Session) SaveConfig(ctx context.Context, key string) (RowState[domain.SystemConfig], error) {
	patch := s.config.Pending(key)
	_, err := s.config.Save(ctx, key)
	s.recordSave(ctx, EditorConfig, domain.ActionConfigSaved, key, patch, err)

	row, _ := s.config.Row(key)
	return rowState(s.config, key, row), err
}

// DiscardConfig drops a configuration key's pending value.
func (s *Session) DiscardConfig(key string) RowState[domain.SystemConfig] {
	s.config.Discard(key)
	row, _ := s.config.Row(key)
	return rowState(s.config, key, row)
}

// Close stops every form timer.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, m := range s.forms {
		m.Close()
	}
}

func (s *Session) observeForm(ctx context.Context, t submission.Transition) {
	if t.From == submission.StateSubmitting {
		s.deps.Metrics.ObserveSubmission(string(t.To))
	}
	if t.Event == submission.EventInvalid {
		s.deps.Metrics.ObserveSubmission(string(domain.KindValidation))
	}
}

func (s *Session) receiveHandoff(r submission.Redirect, payload *domain.ScoringPayload) {
	s.mu.Lock()
	s.handoff = payload
	s.mu.Unlock()

	slog.Debug("scored claim handed off",
		"session_id", s.id,
		"claim_id", r.ClaimID,
		"target", r.Target,
	)
}

func (s *Session) storePayload(ctx context.Context, p *domain.ScoringPayload) {
	s.cachePayload(ctx, p)

	if s.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to encode scored payload", "claim_id", p.ClaimID, "error", err)
		return
	}
	if err := s.deps.Bus.Publish(ctx, domain.TopicClaimScored, data); err != nil {
		slog.Warn("failed to publish scored payload", "claim_id", p.ClaimID, "error", err)
	}
}

func (s *Session) cachePayload(ctx context.Context, p *domain.ScoringPayload) {
	if s.deps.Cache == nil || p == nil || p.ClaimID == "" {
		return
	}
	if err := s.deps.Cache.SetPayload(ctx, p, s.deps.PayloadTTL); err != nil {
		slog.Warn("payload cache write failed", "claim_id", p.ClaimID, "error", err)
	}
}

func (s *Session) recordSave(ctx context.Context, editor, action, key string, patch editbuffer.Patch, err error) {
	if errors.Is(err, editbuffer.ErrSaveInFlight) ||
		errors.Is(err, editbuffer.ErrNothingToSave) ||
		errors.Is(err, editbuffer.ErrUnknownRow) {
		return
	}
	s.deps.Metrics.ObserveSave(editor, err == nil)

	ev := &domain.AuditEvent{
		Action:     action,
		Resource:   editor,
		ResourceID: key,
		Result:     domain.AuditSuccess,
		Metadata:   make(map[string]string, len(patch)),
	}
	for field, v := range patch {
		ev.Metadata[field] = fmt.Sprint(v)
	}
	if err != nil {
		ev.Result = domain.AuditFailure
		ev.Message = errorMessage(err)
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) {
			ev.StatusCode = gwErr.StatusCode
		}
		slog.Warn("save failed",
			"session_id", s.id,
			"editor", editor,
			"key", key,
			"error", err,
		)
	}
	s.audit(ctx, ev)
}

func (s *Session) audit(ctx context.Context, ev *domain.AuditEvent) {
	if s.deps.Bus == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to encode audit event", "action", ev.Action, "error", err)
		return
	}
	if err := s.deps.Bus.Publish(ctx, domain.TopicAudit, data); err != nil {
		slog.Warn("failed to publish audit event", "action", ev.Action, "error", err)
	}
}

func (s *Session) logWarnings(v derive.View) {
	if !v.Incomplete() {
		return
	}
	slog.Warn("incomplete scoring payload",
		"session_id", s.id,
		"claim_id", v.ClaimID,
		"warnings", v.Warnings,
	)
}
