// Package gatewaytest provides an in-memory scoring service for tests.
package gatewaytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// BasePath is where the fake mounts its API.
const BasePath = "/api/v1"

// ScoreFunc decides the response to a scoring request. A nil payload with a
// non-2xx status is sent as {"detail": detail}.
type ScoreFunc func(claim domain.ClaimIntake) (status int, payload *domain.ScoringPayload, detail string)

// Request is one call the fake received.
type Request struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	Body          map[string]any
}

// Server is a scoring service backed by maps.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	rules    []domain.RuleConfig
	config   []domain.SystemConfig
	payloads map[string]*domain.ScoringPayload
	claims   []domain.ClaimSummary
	score    ScoreFunc
	failures map[string]int
	requests []Request
	hold     chan struct{}
}

// New starts a fake seeded with the five detection rules and the risk bands.
func New() *Server {
	s := &Server{
		rules:    DefaultRules(),
		config:   DefaultConfig(),
		payloads: make(map[string]*domain.ScoringPayload),
		failures: make(map[string]int),
	}
	s.score = s.defaultScore

	r := chi.NewRouter()
	r.Route(BasePath, func(r chi.Router) {
		r.Post("/score", s.handleScore)
		r.Get("/claims", s.handleClaims)
		r.Get("/intelligence/{claimID}", s.handleIntelligence)
		r.Get("/rules", s.handleListRules)
		r.Patch("/rules/{key}", s.handlePatchRule)
		r.Get("/config", s.handleListConfig)
		r.Patch("/config/{key}", s.handlePatchConfig)
	})
	s.Server = httptest.NewServer(s.record(r))
	return s
}

// BaseURL is the URL a gateway client should use.
func (s *Server) BaseURL() string { return s.URL + BasePath }

// DefaultRules returns the seeded rule rows.
func DefaultRules() []domain.RuleConfig {
	f := func(v float64) *float64 { return &v }
	return []domain.RuleConfig{
		{ID: 1, RuleKey: "RULE_01", Description: "Zero-day inpatient stay", IsEnabled: true},
		{ID: 2, RuleKey: "RULE_02", Description: "Claim amount z-score", ThresholdValue: f(3.0), IsEnabled: true},
		{ID: 3, RuleKey: "RULE_03", Description: "Repeat procedure window (days)", ThresholdValue: f(30), IsEnabled: true},
		{ID: 4, RuleKey: "RULE_04", Description: "Package ceiling ratio", ThresholdValue: f(0.95), IsEnabled: true},
		{ID: 5, RuleKey: "RULE_05", Description: "Patient claim frequency", ThresholdValue: f(5), IsEnabled: true},
	}
}

// DefaultConfig returns the seeded risk bands.
func DefaultConfig() []domain.SystemConfig {
	return []domain.SystemConfig{
		{ConfigKey: domain.BandLowMax, ConfigValue: "29", Description: "Upper bound of LOW"},
		{ConfigKey: domain.BandMediumMax, ConfigValue: "59", Description: "Upper bound of MEDIUM"},
		{ConfigKey: domain.BandHighMax, ConfigValue: "84", Description: "Upper bound of HIGH"},
	}
}

// SetScore replaces the scoring behaviour.
func (s *Server) SetScore(f ScoreFunc) {
	s.mu.Lock()
	s.score = f
	s.mu.Unlock()
}

// FailNext makes the next call to path ("/rules/RULE_02", "/score", ...)
// answer with status.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	s.failures[path] = status
	s.mu.Unlock()
}

// Hold blocks scoring requests until the returned release func is called.
func (s *Server) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.hold = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// PutPayload stores a payload served by GET /intelligence.
func (s *Server) PutPayload(p *domain.ScoringPayload) {
	s.mu.Lock()
	s.payloads[p.ClaimID] = p
	s.mu.Unlock()
}

// PutClaims replaces the claim list.
func (s *Server) PutClaims(claims []domain.ClaimSummary) {
	s.mu.Lock()
	s.claims = claims
	s.mu.Unlock()
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many calls matched method and path.
func (s *Server) Count(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// Rule returns the stored rule row.
func (s *Server) Rule(key string) (domain.RuleConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.RuleKey == key {
			return r, true
		}
	}
	return domain.RuleConfig{}, false
}

// ConfigValue returns the stored value for key.
func (s *Server) ConfigValue(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.config {
		if c.ConfigKey == key {
			return c.ConfigValue
		}
	}
	return ""
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, BasePath)

		var body map[string]any
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &body)
			r.Body = io.NopCloser(bytes.NewReader(data))
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method:        r.Method,
			Path:          path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			Body:          body,
		})
		status, fail := s.failures[path]
		delete(s.failures, path)
		s.mu.Unlock()

		if fail {
			writeDetail(w, status, fmt.Sprintf("injected failure %d", status))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) defaultScore(c domain.ClaimIntake) (int, *domain.ScoringPayload, string) {
	s.mu.Lock()
	_, dup := s.payloads[c.ClaimID]
	s.mu.Unlock()
	if dup {
		return http.StatusConflict, nil, "Duplicate claim: " + c.ClaimID
	}

	score := 0.42
	level := domain.ThreatMedium
	pattern := domain.PatternUpcoding
	ruleNorm, anomalyNorm := 0.5, 0.3
	composite := 42
	return http.StatusOK, &domain.ScoringPayload{
		ClaimID:          c.ClaimID,
		FinalRiskScore:   &score,
		ThreatLevel:      &level,
		RuleScoreNorm:    &ruleNorm,
		AnomalyScoreNorm: &anomalyNorm,
		CompositeIndex:   &composite,
		FraudPattern:     &pattern,
		RuleTriggers:     map[string]bool{"near_package_ceiling": true},
	}, ""
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var claim domain.ClaimIntake
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid claim body")
		return
	}

	s.mu.Lock()
	hold := s.hold
	score := s.score
	s.mu.Unlock()
	if hold != nil {
		<-hold
	}

	status, payload, detail := score(claim)
	if status < 200 || status > 299 || payload == nil {
		writeDetail(w, status, detail)
		return
	}

	s.mu.Lock()
	s.payloads[payload.ClaimID] = payload
	s.mu.Unlock()
	writeJSON(w, status, payload)
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minScore, _ := strconv.ParseFloat(q.Get("min_score"), 64)
	maxScore := 1.0
	if v := q.Get("max_score"); v != "" {
		maxScore, _ = strconv.ParseFloat(v, 64)
	}
	level := q.Get("risk_level")
	limit := domain.DefaultClaimLimit
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = min(v, domain.MaxClaimLimit)
	}

	s.mu.Lock()
	out := make([]domain.ClaimSummary, 0, len(s.claims))
	for _, c := range s.claims {
		if c.FinalRiskScore < minScore || c.FinalRiskScore > maxScore {
			continue
		}
		if level != "" && string(c.ThreatLevel) != level && string(c.RiskLevel) != level {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIntelligence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "claimID")
	s.mu.Lock()
	p, ok := s.payloads[id]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Claim '"+id+"' not found.")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]domain.RuleConfig(nil), s.rules...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].RuleKey != key {
			continue
		}
		applied := false
		if v, ok := patch[domain.FieldThresholdValue].(float64); ok {
			s.rules[i].ThresholdValue = &v
			applied = true
		}
		if v, ok := patch[domain.FieldIsEnabled].(bool); ok {
			s.rules[i].IsEnabled = v
			applied = true
		}
		if !applied {
			writeDetail(w, http.StatusUnprocessableEntity, "No valid fields provided. Allowed: threshold_value, is_enabled")
			return
		}
		now := time.Now().UTC()
		s.rules[i].UpdatedAt = &now
		writeJSON(w, http.StatusOK, s.rules[i])
		return
	}
	writeDetail(w, http.StatusNotFound, "Rule '"+key+"' not found.")
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]domain.SystemConfig(nil), s.config...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	value, ok := body["value"]
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "Payload must contain 'value' field.")
		return
	}

	str := fmt.Sprint(value)
	if key == domain.BandLowMax || key == domain.BandMediumMax || key == domain.BandHighMax {
		n, err := strconv.Atoi(str)
		if err != nil || n < 0 || n > 100 {
			writeDetail(w, http.StatusUnprocessableEntity, "'"+key+"' must be an integer between 0 and 100.")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.config {
		if s.config[i].ConfigKey == key {
			s.config[i].ConfigValue = str
			writeJSON(w, http.StatusOK, s.config[i])
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Config key '"+key+"' not found.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	if detail == "" {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
