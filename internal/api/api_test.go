package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/claimdesk/internal/bus"
	"github.com/opensource-finance/claimdesk/internal/cache"
	"github.com/opensource-finance/claimdesk/internal/console"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/gateway"
	"github.com/opensource-finance/claimdesk/internal/gateway/gatewaytest"
	"github.com/opensource-finance/claimdesk/internal/policy"
	"github.com/opensource-finance/claimdesk/internal/repository"
	"github.com/opensource-finance/claimdesk/internal/submission"
	"github.com/opensource-finance/claimdesk/internal/telemetry"
	"github.com/opensource-finance/claimdesk/internal/worker"
)

type testEnv struct {
	server *Server
	fake   *gatewaytest.Server
	repo   domain.Repository
}

// createTestServer wires the API to a fake scoring service, a temp SQLite
// repository and in-process bus and cache.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	fake := gatewaytest.New()
	t.Cleanup(fake.Close)

	tmpFile, err := os.CreateTemp("", "claimdesk-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	w := worker.NewWorker(eventBus, repo)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	payloadCache, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { payloadCache.Close() })

	guard, err := policy.NewBandGuard(domain.DefaultBandGuard)
	if err != nil {
		t.Fatal(err)
	}
	filters, err := policy.NewFilterCompiler()
	if err != nil {
		t.Fatal(err)
	}

	gwCfg := domain.DefaultConfig().Gateway
	gwCfg.BaseURL = fake.BaseURL()
	gwCfg.Breaker.Enabled = false

	metrics := telemetry.New()
	sessions := console.NewManager(console.Deps{
		Gateway:    gateway.New(gwCfg, metrics),
		Cache:      payloadCache,
		Bus:        eventBus,
		Metrics:    metrics,
		BandGuard:  guard,
		Filters:    filters,
		Timings:    submission.Timings{RejectDisplayWindow: 50 * time.Millisecond, RedirectDelay: 10 * time.Millisecond},
		PayloadTTL: time.Hour,
	}, time.Hour)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return &testEnv{
		server: NewServer(cfg, sessions, repo, payloadCache, eventBus, metrics, "test-v1"),
		fake:   fake,
		repo:   repo,
	}
}

func (e *testEnv) do(t *testing.T, method, path, session string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionIDHeader, session)
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) openSession(t *testing.T) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/sessions", "", OpenSessionRequest{Token: "op-token"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	decode(t, rr, &resp)
	if resp.SessionID == "" {
		t.Fatal("session_id missing")
	}
	return resp.SessionID
}

func (e *testEnv) openForm(t *testing.T, session string) string {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/forms", session, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var snap submission.Snapshot
	decode(t, rr, &snap)
	return snap.FormID
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func validClaim(id string) domain.ClaimIntake {
	return domain.ClaimIntake{
		ClaimID:       id,
		HospitalID:    "H1",
		PatientID:     "PAT0001",
		ProcedureCode: "P4",
		PackageRate:   40000,
		ClaimAmount:   39500,
		AdmissionDate: "2024-03-01",
		DischargeDate: "2024-03-04",
		IsInpatient:   1,
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	decode(t, rr, &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version 'test-v1', got %v", resp["version"])
	}
	components, _ := resp["components"].(map[string]any)
	for _, name := range []string{"repository", "cache", "eventbus"} {
		if components[name] != "ok" {
			t.Errorf("expected component %s ok, got %v", name, components[name])
		}
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)

	env.do(t, http.MethodGet, "/health", "", nil)
	rr := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "claimdesk_http_requests_total") {
		t.Error("expected HTTP request counter in metrics output")
	}
}

func TestSessions(t *testing.T) {
	env := createTestServer(t)

	t.Run("TokenRequired", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/sessions", "", OpenSessionRequest{})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{not json"))
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingSessionHeader", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", "nope", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("Close", func(t *testing.T) {
		id := env.openSession(t)
		if rr := env.do(t, http.MethodDelete, "/sessions/"+id, "", nil); rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/rules", id, nil); rr.Code != http.StatusUnauthorized {
			t.Errorf("closed session should be rejected, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodDelete, "/sessions/"+id, "", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for second close, got %d", rr.Code)
		}
	})
}

func TestFormEndpoints(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	t.Run("WizardSteps", func(t *testing.T) {
		form := env.openForm(t, session)

		var snap submission.Snapshot
		for i := 0; i < 5; i++ {
			rr := env.do(t, http.MethodPost, "/forms/"+form+"/next", session, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rr.Code)
			}
			decode(t, rr, &snap)
		}
		if snap.Step != submission.StepFinancial {
			t.Errorf("next should stop at the last step, got %d", snap.Step)
		}

		rr := env.do(t, http.MethodPost, "/forms/"+form+"/prev", session, nil)
		decode(t, rr, &snap)
		if snap.Step != submission.StepClinical {
			t.Errorf("expected clinical step, got %d", snap.Step)
		}
	})

	t.Run("SubmitSucceeds", func(t *testing.T) {
		form := env.openForm(t, session)

		rr := env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-100"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var snap submission.Snapshot
		decode(t, rr, &snap)
		if snap.State != submission.StateSucceeded || snap.Payload == nil {
			t.Fatalf("expected SUCCEEDED with payload, got %s", snap.State)
		}

		// A completed form refuses another submission.
		rr = env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-100"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("DuplicateNeedsAcknowledgement", func(t *testing.T) {
		form := env.openForm(t, session)

		rr := env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-100"))
		var snap submission.Snapshot
		decode(t, rr, &snap)
		if snap.State != submission.StateDuplicateConflict || snap.Kind != domain.KindConflict {
			t.Fatalf("expected DUPLICATE_CONFLICT, got %s/%s", snap.State, snap.Kind)
		}

		rr = env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-101"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 before acknowledgement, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/forms/"+form+"/acknowledge", session, nil)
		decode(t, rr, &snap)
		if rr.Code != http.StatusOK || snap.State != submission.StateIdle {
			t.Errorf("expected IDLE after acknowledge, got %d %s", rr.Code, snap.State)
		}
	})

	t.Run("DischargeBeforeAdmission", func(t *testing.T) {
		before := env.fake.Count(http.MethodPost, "/score")
		form := env.openForm(t, session)

		claim := validClaim("CLM-102")
		claim.DischargeDate = "2024-02-01"
		rr := env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, claim)

		var snap submission.Snapshot
		decode(t, rr, &snap)
		if snap.State != submission.StateRejected || snap.Kind != domain.KindValidation {
			t.Errorf("expected local rejection, got %s/%s", snap.State, snap.Kind)
		}
		if env.fake.Count(http.MethodPost, "/score") != before {
			t.Error("invalid claim must not reach the scoring service")
		}
	})

	t.Run("ServiceDegraded", func(t *testing.T) {
		form := env.openForm(t, session)
		env.fake.FailNext("/score", http.StatusServiceUnavailable)

		rr := env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-103"))
		var snap submission.Snapshot
		decode(t, rr, &snap)
		if snap.State != submission.StateServiceDegraded || snap.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("expected SERVICE_DEGRADED, got %s/%d", snap.State, snap.StatusCode)
		}
	})

	t.Run("UnknownForm", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/forms/nope", session, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIntelligenceEndpoint(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	form := env.openForm(t, session)
	rr := env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-200"))
	if rr.Code != http.StatusOK {
		t.Fatalf("submit failed: %d", rr.Code)
	}

	var intel console.Intelligence
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr = env.do(t, http.MethodGet, "/intelligence/CLM-200", session, nil)
		decode(t, rr, &intel)
		if intel.Source == console.SourceHandoff {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if intel.Source != console.SourceHandoff {
		t.Fatalf("expected the redirect hand-off to serve the payload, got %s", intel.Source)
	}
	if intel.View.PriorityLabel != "UNDER_REVIEW" || intel.View.CompositeIndex != 42 {
		t.Errorf("unexpected view %+v", intel.View)
	}

	rr = env.do(t, http.MethodGet, "/intelligence/CLM-404", session, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown claim, got %d", rr.Code)
	}
}

func TestClaimsEndpoint(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	env.fake.PutClaims([]domain.ClaimSummary{
		{ClaimID: "A", HospitalID: "H1", ClaimAmount: 1000, FinalRiskScore: 0.2, ThreatLevel: domain.ThreatLow},
		{ClaimID: "B", HospitalID: "H2", ClaimAmount: 90000, FinalRiskScore: 0.8, ThreatLevel: domain.ThreatHigh},
	})

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/claims?limit=10", session, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Claims []domain.ClaimSummary `json:"claims"`
			Count  int                   `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 claims, got %d", resp.Count)
		}
	})

	t.Run("Filter", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, `/claims?filter=hospital_id+%3D%3D+%22H2%22`, session, nil)
		var resp struct {
			Claims []domain.ClaimSummary `json:"claims"`
		}
		decode(t, rr, &resp)
		if len(resp.Claims) != 1 || resp.Claims[0].ClaimID != "B" {
			t.Errorf("expected only claim B, got %+v", resp.Claims)
		}
	})

	t.Run("BadParams", func(t *testing.T) {
		for _, q := range []string{"min_score=2", "max_score=x", "min_score=0.8&max_score=0.2", "threat_level=EXTREME", "limit=0", "limit=5000"} {
			rr := env.do(t, http.MethodGet, "/claims?"+q, session, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	rr := env.do(t, http.MethodGet, "/rules", session, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("EditAndSave", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/rules/RULE_02", session, map[string]any{"threshold_value": 2.5})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var st console.RowState[domain.RuleConfig]
		decode(t, rr, &st)
		if !st.Dirty {
			t.Error("edited row should be dirty")
		}

		rr = env.do(t, http.MethodPost, "/rules/RULE_02/save", session, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		decode(t, rr, &st)
		if st.Dirty || *st.Row.ThresholdValue != 2.5 {
			t.Errorf("unexpected row after save %+v", st)
		}

		rr = env.do(t, http.MethodPost, "/rules/RULE_02/save", session, nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 with nothing to save, got %d", rr.Code)
		}
	})

	t.Run("FailedSaveReportsRow", func(t *testing.T) {
		env.do(t, http.MethodPatch, "/rules/RULE_03", session, map[string]any{"is_enabled": false})
		env.fake.FailNext("/rules/RULE_03", http.StatusInternalServerError)

		rr := env.do(t, http.MethodPost, "/rules/RULE_03/save", session, nil)
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("expected status 502, got %d", rr.Code)
		}
		var resp struct {
			Kind domain.ErrorKind                    `json:"kind"`
			Row  console.RowState[domain.RuleConfig] `json:"row"`
		}
		decode(t, rr, &resp)
		if resp.Kind != domain.KindFatalServer || !resp.Row.Dirty {
			t.Errorf("expected fatal error with the patch kept, got %+v", resp)
		}

		rr = env.do(t, http.MethodDelete, "/rules/RULE_03/edits", session, nil)
		decode(t, rr, &resp.Row)
		if resp.Row.Dirty {
			t.Error("discard should clear pending edits")
		}
	})

	t.Run("InvalidEdits", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/rules/RULE_01", session, map[string]any{"threshold_value": 1.0})
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("flag-only rule: expected status 422, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodPatch, "/rules/RULE_99", session, map[string]any{"is_enabled": true})
		if rr.Code != http.StatusNotFound {
			t.Errorf("unknown rule: expected status 404, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodPatch, "/rules/RULE_02", session, map[string]any{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("empty body: expected status 400, got %d", rr.Code)
		}
	})
}

func TestConfigEndpoints(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	if rr := env.do(t, http.MethodGet, "/config", session, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("NonMonotonicBandRejected", func(t *testing.T) {
		env.do(t, http.MethodPatch, "/config/MEDIUM_MAX", session, EditConfigRequest{Value: 10})
		rr := env.do(t, http.MethodPost, "/config/MEDIUM_MAX/save", session, nil)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
		if env.fake.ConfigValue("MEDIUM_MAX") != "59" {
			t.Error("rejected band must not be sent")
		}
		env.do(t, http.MethodDelete, "/config/MEDIUM_MAX/edits", session, nil)
	})

	t.Run("Save", func(t *testing.T) {
		env.do(t, http.MethodPatch, "/config/HIGH_MAX", session, EditConfigRequest{Value: 90})
		rr := env.do(t, http.MethodPost, "/config/HIGH_MAX/save", session, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.fake.ConfigValue("HIGH_MAX") != "90" {
			t.Errorf("expected HIGH_MAX=90, got %q", env.fake.ConfigValue("HIGH_MAX"))
		}
	})

	t.Run("MissingValue", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/config/HIGH_MAX", session, map[string]any{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAuditEndpoint(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	form := env.openForm(t, session)
	env.do(t, http.MethodPost, "/forms/"+form+"/submit", session, validClaim("CLM-300"))

	var resp struct {
		Events []domain.AuditEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr := env.do(t, http.MethodGet, "/audit?resource=claim&resource_id=CLM-300", session, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		decode(t, rr, &resp)
		if resp.Count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if resp.Count != 1 || resp.Events[0].Action != domain.ActionClaimScored {
		t.Errorf("expected one claim.scored event, got %+v", resp.Events)
	}

	if rr := env.do(t, http.MethodGet, "/audit?limit=-1", session, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/rules", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), SessionIDHeader) {
		t.Error("session header must be allowed")
	}
}

func TestRequestIDForwarded(t *testing.T) {
	env := createTestServer(t)
	session := env.openSession(t)

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set(SessionIDHeader, session)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
	reqs := env.fake.Requests()
	if len(reqs) == 0 || reqs[len(reqs)-1].RequestID != "req-123" {
		t.Error("request id should be forwarded to the scoring service")
	}
}
