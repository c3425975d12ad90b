package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

func testConfig(url string) domain.GatewayConfig {
	cfg := domain.DefaultConfig().Gateway
	cfg.BaseURL = url
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestScore(t *testing.T) {
	var gotAuth, gotReqID string
	var gotBody domain.ClaimIntake

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/score" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get(RequestIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"claim_id":"CLM-9","final_risk_score":0.82,"threat_level":"HIGH","fraud_pattern_detected":"UPCODING"}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL+"/api/v1/"), nil).WithToken("op-token")
	ctx := WithRequestID(context.Background(), "req-123")

	payload, err := c.Score(ctx, domain.ClaimIntake{ClaimID: "CLM-9", ClaimAmount: 1200})
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if payload.ClaimID != "CLM-9" || *payload.ThreatLevel != domain.ThreatHigh {
		t.Errorf("unexpected payload %+v", payload)
	}
	if gotAuth != "Bearer op-token" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
	if gotReqID != "req-123" {
		t.Errorf("expected request id to be forwarded, got %q", gotReqID)
	}
	if gotBody.ClaimAmount != 1200 {
		t.Errorf("expected claim body, got %+v", gotBody)
	}
}

func TestErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
		wantKind   domain.ErrorKind
	}{
		{"DetailString", http.StatusBadRequest, `{"detail":"claim_amount must be positive"}`, "claim_amount must be positive", domain.KindGenericRejection},
		{"ValidationList", http.StatusUnprocessableEntity, `{"detail":[{"loc":["body"],"msg":"bad"}]}`, "", domain.KindGenericRejection},
		{"NoBody", http.StatusNotFound, ``, "", domain.KindGenericRejection},
		{"Conflict", http.StatusConflict, `{"detail":"Duplicate claim"}`, "Duplicate claim", domain.KindConflict},
		{"Unavailable", http.StatusServiceUnavailable, `{"detail":"model loading"}`, "model loading", domain.KindServiceUnavailable},
		{"Fatal", http.StatusInternalServerError, `oops`, "", domain.KindFatalServer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.Breaker.Enabled = false
			_, err := New(cfg, nil).GetIntelligence(context.Background(), "CLM-1")

			var gwErr *domain.GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected GatewayError, got %v", err)
			}
			if gwErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, gwErr.StatusCode)
			}
			if gwErr.Detail != tc.wantDetail {
				t.Errorf("expected detail %q, got %q", tc.wantDetail, gwErr.Detail)
			}
			if kind := domain.Classify(err); kind != tc.wantKind {
				t.Errorf("expected kind %s, got %s", tc.wantKind, kind)
			}
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(testConfig(url), nil).ListRules(context.Background())
	if !errors.Is(err, domain.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestMalformedSuccessBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"HTML", `<html>oops</html>`},
		{"Null", `null`},
		{"MissingClaimID", `{"final_risk_score":0.4}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.Breaker.Enabled = false
			c := New(cfg, nil)

			payload, err := c.Score(context.Background(), domain.ClaimIntake{ClaimID: "CLM-1"})
			if !errors.Is(err, domain.ErrBadResponse) || payload != nil {
				t.Errorf("Score: expected ErrBadResponse, got %v (payload %v)", err, payload)
			}
			if errors.Is(err, domain.ErrNetwork) {
				t.Error("Score: malformed body reported as a network error")
			}

			payload, err = c.GetIntelligence(context.Background(), "CLM-1")
			if !errors.Is(err, domain.ErrBadResponse) || payload != nil {
				t.Errorf("GetIntelligence: expected ErrBadResponse, got %v (payload %v)", err, payload)
			}
		})
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Breaker.ConsecutiveFailures = 2
	cfg.Breaker.Timeout = time.Minute
	c := New(cfg, nil)

	for i := 0; i < 2; i++ {
		if _, err := c.ListConfig(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.ListConfig(context.Background())
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected breaker to be open, got %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("open breaker should short-circuit, server saw %d calls", n)
	}
	if domain.Classify(err) != domain.KindServiceUnavailable {
		t.Errorf("open breaker should classify as service unavailable")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Breaker.ConsecutiveFailures = 1
	c := New(cfg, nil)

	for i := 0; i < 3; i++ {
		_, err := c.Score(context.Background(), domain.ClaimIntake{ClaimID: "CLM-1"})
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusConflict {
			t.Fatalf("call %d: expected 409, got %v", i, err)
		}
	}
}

func TestPatchRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/rules/high_amount_zscore":
			if r.Method != http.MethodPatch || len(body) != 1 || body["is_enabled"] != false {
				t.Errorf("unexpected rule patch %s %v", r.Method, body)
			}
			_, _ = io.WriteString(w, `{"rule_key":"high_amount_zscore","threshold_value":3,"is_enabled":false}`)
		case "/config/LOW_MAX":
			if body["value"] != "35" {
				t.Errorf("expected value wrapper, got %v", body)
			}
			_, _ = io.WriteString(w, `{"config_key":"LOW_MAX","config_value":"35"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), nil)

	rule, err := c.PatchRule(context.Background(), "high_amount_zscore", map[string]any{"is_enabled": false})
	if err != nil {
		t.Fatalf("PatchRule failed: %v", err)
	}
	if rule.IsEnabled {
		t.Error("expected stored rule to be disabled")
	}

	cfgRow, err := c.PatchConfig(context.Background(), "LOW_MAX", "35")
	if err != nil {
		t.Fatalf("PatchConfig failed: %v", err)
	}
	if cfgRow.ConfigValue != "35" {
		t.Errorf("unexpected config row %+v", cfgRow)
	}
}

func TestListClaimsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("min_score") != "0.5" || q.Get("risk_level") != "HIGH" || q.Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Has("max_score") {
			t.Error("max_score should be omitted")
		}
		_, _ = io.WriteString(w, `[{"claim_id":"CLM-1","final_risk_score":0.7,"risk_level":"HIGH"}]`)
	}))
	defer srv.Close()

	minScore := 0.5
	claims, err := New(testConfig(srv.URL), nil).ListClaims(context.Background(), domain.ClaimFilter{
		MinScore:    &minScore,
		ThreatLevel: domain.ThreatHigh,
		Limit:       50,
	})
	if err != nil {
		t.Fatalf("ListClaims failed: %v", err)
	}
	if len(claims) != 1 || claims[0].ClaimID != "CLM-1" {
		t.Errorf("unexpected claims %+v", claims)
	}
}
