package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/claimdesk/internal/console"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/editbuffer"
	"github.com/opensource-finance/claimdesk/internal/submission"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	sessions *console.Manager
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(sessions *console.Manager, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		sessions: sessions,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		version:  version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("eventbus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
		"sessions":   h.sessions.Len(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// OpenSessionRequest is the request body for POST /sessions.
type OpenSessionRequest struct {
	Token string `json:"token"`
}

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	s, err := h.sessions.Open(r.Context(), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": s.ID(),
		"created_at": s.CreatedAt(),
	})
}

// CloseSession handles DELETE /sessions/{id}.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "session closed",
	})
}

// OpenForm handles POST /forms.
func (h *Handler) OpenForm(w http.ResponseWriter, r *http.Request) {
	snap, err := GetSession(r.Context()).OpenForm()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetForm handles GET /forms/{id}.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	m, err := GetSession(r.Context()).Form(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

// NextStep handles POST /forms/{id}/next.
func (h *Handler) NextStep(w http.ResponseWriter, r *http.Request) {
	h.formAction(w, r, func(m *submission.Machine) (submission.Snapshot, error) {
		return m.Next()
	})
}

// PrevStep handles POST /forms/{id}/prev.
func (h *Handler) PrevStep(w http.ResponseWriter, r *http.Request) {
	h.formAction(w, r, func(m *submission.Machine) (submission.Snapshot, error) {
		return m.Prev()
	})
}

// AcknowledgeForm handles POST /forms/{id}/acknowledge.
func (h *Handler) AcknowledgeForm(w http.ResponseWriter, r *http.Request) {
	h.formAction(w, r, func(m *submission.Machine) (submission.Snapshot, error) {
		return m.Acknowledge(r.Context())
	})
}

func (h *Handler) formAction(w http.ResponseWriter, r *http.Request, act func(*submission.Machine) (submission.Snapshot, error)) {
	m, err := GetSession(r.Context()).Form(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := act(m)
	if err != nil {
		writeErrorWith(w, err, "form", snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SubmitForm handles POST /forms/{id}/submit. Outcomes of the scoring call,
// including rejections, are reported in the snapshot with status 200; only
// a refused submission is an HTTP error.
func (h *Handler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	var claim domain.ClaimIntake
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// The scoring call is not cancelled when the operator navigates away.
	ctx := context.WithoutCancel(r.Context())

	snap, err := GetSession(r.Context()).Submit(ctx, chi.URLParam(r, "id"), claim)
	if err != nil {
		writeErrorWith(w, err, "form", snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetIntelligence handles GET /intelligence/{claimID}.
func (h *Handler) GetIntelligence(w http.ResponseWriter, r *http.Request) {
	intel, err := GetSession(r.Context()).Intelligence(r.Context(), chi.URLParam(r, "claimID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intel)
}

// ListClaims handles GET /claims.
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	f, err := parseClaimFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	claims, err := GetSession(r.Context()).Claims(r.Context(), f, r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims": claims,
		"count":  len(claims),
	})
}

func parseClaimFilter(r *http.Request) (domain.ClaimFilter, error) {
	q := r.URL.Query()
	var f domain.ClaimFilter

	parseScore := func(name string) (*float64, error) {
		v := q.Get(name)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n < 0 || n > 1 {
			return nil, invalidParam(name, "must be a number between 0 and 1")
		}
		return &n, nil
	}

	var err error
	if f.MinScore, err = parseScore("min_score"); err != nil {
		return f, err
	}
	if f.MaxScore, err = parseScore("max_score"); err != nil {
		return f, err
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return f, invalidParam("min_score", "must not exceed max_score")
	}

	if v := q.Get("threat_level"); v != "" {
		f.ThreatLevel = domain.ThreatLevel(strings.ToUpper(v))
		if !f.ThreatLevel.Valid() {
			return f, invalidParam("threat_level", "must be LOW, MEDIUM, HIGH or CRITICAL")
		}
	}

	f.Limit = domain.DefaultClaimLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > domain.MaxClaimLimit {
			return f, invalidParam("limit", "must be between 1 and "+strconv.Itoa(domain.MaxClaimLimit))
		}
		f.Limit = n
	}
	return f, nil
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rows, err := GetSession(r.Context()).Rules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rows,
		"count": len(rows),
	})
}

// EditRule handles PATCH /rules/{key}. The body holds the fields to stage,
// e.g. {"threshold_value": 2.5} or {"is_enabled": false}.
func (h *Handler) EditRule(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "request body must be a non-empty JSON object",
		})
		return
	}

	s := GetSession(r.Context())
	key := chi.URLParam(r, "key")

	var st console.RowState[domain.RuleConfig]
	for _, field := range sortedKeys(fields) {
		var err error
		if st, err = s.EditRule(key, field, fields[field]); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// SaveRule handles POST /rules/{key}/save.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	st, err := GetSession(r.Context()).SaveRule(ctx, chi.URLParam(r, "key"))
	if err != nil {
		writeErrorWith(w, err, "row", st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DiscardRule handles DELETE /rules/{key}/edits.
func (h *Handler) DiscardRule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetSession(r.Context()).DiscardRule(chi.URLParam(r, "key")))
}

// ListConfig handles GET /config.
func (h *Handler) ListConfig(w http.ResponseWriter, r *http.Request) {
	rows, err := GetSession(r.Context()).Config(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": rows,
		"count":  len(rows),
	})
}

// EditConfigRequest is the request body for PATCH /config/{key}.
type EditConfigRequest struct {
	Value any `json:"value"`
}

// EditConfig handles PATCH /config/{key}.
func (h *Handler) EditConfig(w http.ResponseWriter, r *http.Request) {
	var req EditConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": `request body must be {"value": ...}`,
		})
		return
	}

	st, err := GetSession(r.Context()).EditConfig(chi.URLParam(r, "key"), req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SaveConfig handles POST /config/{key}/save.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	st, err := GetSession(r.Context()).SaveConfig(ctx, chi.URLParam(r, "key"))
	if err != nil {
		writeErrorWith(w, err, "row", st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DiscardConfig handles DELETE /config/{key}/edits.
func (h *Handler) DiscardConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetSession(r.Context()).DiscardConfig(chi.URLParam(r, "key")))
}

// ListAudit handles GET /audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	q := r.URL.Query()
	f := domain.AuditFilter{
		Resource:   q.Get("resource"),
		ResourceID: q.Get("resource_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, invalidParam("limit", "must be a positive integer"))
			return
		}
		f.Limit = n
	}

	events, err := h.repo.ListAuditEvents(r.Context(), f)
	if err != nil {
		slog.Error("failed to list audit events", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list audit events",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWith(w, err, "", nil)
}

// writeErrorWith writes {"error", "kind"} and, when name is set, the current
// state of the thing the request acted on.
func writeErrorWith(w http.ResponseWriter, err error, name string, state any) {
	status, kind := statusFor(err)
	if status >= 500 && kind == "" {
		slog.Error("request failed", "error", err)
	}

	body := map[string]any{"error": errorText(err)}
	if kind != "" {
		body["kind"] = kind
	}
	if name != "" && state != nil {
		body[name] = state
	}
	writeJSON(w, status, body)
}

// statusFor maps an error to its HTTP status and, for scoring service and
// validation failures, the operator-facing error kind.
func statusFor(err error) (int, domain.ErrorKind) {
	var pErr *paramError
	switch {
	case errors.As(err, &pErr):
		return http.StatusBadRequest, domain.KindValidation
	case errors.Is(err, console.ErrSessionNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, console.ErrFormNotFound), errors.Is(err, editbuffer.ErrUnknownRow), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, submission.ErrSubmissionInFlight),
		errors.Is(err, submission.ErrAcknowledgementRequired),
		errors.Is(err, submission.ErrFormCompleted),
		errors.Is(err, submission.ErrInvalidTransition),
		errors.Is(err, editbuffer.ErrSaveInFlight),
		errors.Is(err, editbuffer.ErrNothingToSave):
		return http.StatusConflict, ""
	case errors.Is(err, submission.ErrClosed):
		return http.StatusGone, ""
	}

	kind := domain.Classify(err)
	switch kind {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity, kind
	case domain.KindConflict:
		return http.StatusConflict, kind
	case domain.KindServiceUnavailable:
		return http.StatusServiceUnavailable, kind
	case domain.KindFatalServer:
		return http.StatusBadGateway, kind
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode, kind
	}
	if errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrBadResponse) {
		return http.StatusBadGateway, kind
	}
	return http.StatusInternalServerError, ""
}

func errorText(err error) string {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Detail != "" {
		return gwErr.Detail
	}
	return err.Error()
}

func invalidParam(name, msg string) error {
	return &paramError{name: name, msg: msg}
}

type paramError struct{ name, msg string }

func (e *paramError) Error() string { return e.name + " " + e.msg }
func (e *paramError) Unwrap() error { return domain.ErrInvalidInput }

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
