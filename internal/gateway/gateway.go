// Package gateway is the HTTP client for the remote fraud-scoring service.
// Every call runs behind a shared circuit breaker and returns a
// *domain.GatewayError for non-2xx responses.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/telemetry"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Service paths.
const (
	PathScore        = "/score"
	PathClaims       = "/claims"
	PathRules        = "/rules"
	PathConfig       = "/config"
	PathIntelligence = "/intelligence"
)

// RequestIDHeader carries the console request ID to the scoring service.
const RequestIDHeader = "X-Request-ID"

const breakerName = "scoring-service"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

type ctxKey struct{}

// WithRequestID attaches a request ID that outgoing calls will forward.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	return uuid.New().String()
}

// Client talks to the scoring service. Copies made by WithToken share the
// transport and the circuit breaker.
type Client struct {
	baseURL   string
	userAgent string
	token     string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New creates a client from configuration. metrics may be nil.
func New(cfg domain.GatewayConfig, metrics *telemetry.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: timeout},
		metrics:   metrics,
		tracer:    otel.Tracer("claimdesk-gateway"),
	}

	if cfg.Breaker.Enabled {
		failures := cfg.Breaker.ConsecutiveFailures
		if failures == 0 {
			failures = 5
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// Client errors say nothing about service health.
			IsSuccessful: func(err error) bool {
				var gwErr *domain.GatewayError
				if errors.As(err, &gwErr) {
					return gwErr.StatusCode < 500
				}
				return err == nil
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
				metrics.SetBreakerState(name, float64(to))
			},
		})
	}
	return c
}

// WithToken returns a copy that authenticates as the given operator.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Score submits a claim for scoring.
func (c *Client) Score(ctx context.Context, claim domain.ClaimIntake) (*domain.ScoringPayload, error) {
	var out domain.ScoringPayload
	if err := c.do(ctx, "score", http.MethodPost, PathScore, claim, &out); err != nil {
		return nil, err
	}
	if out.ClaimID == "" {
		return nil, fmt.Errorf("%w: payload has no claim_id", domain.ErrBadResponse)
	}
	return &out, nil
}

// GetIntelligence fetches the scoring payload for an existing claim.
func (c *Client) GetIntelligence(ctx context.Context, claimID string) (*domain.ScoringPayload, error) {
	var out domain.ScoringPayload
	path := PathIntelligence + "/" + url.PathEscape(claimID)
	if err := c.do(ctx, "intelligence", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.ClaimID == "" {
		return nil, fmt.Errorf("%w: payload has no claim_id", domain.ErrBadResponse)
	}
	return &out, nil
}

// ListClaims returns scored claims matching the filter.
func (c *Client) ListClaims(ctx context.Context, f domain.ClaimFilter) ([]domain.ClaimSummary, error) {
	q := url.Values{}
	if f.MinScore != nil {
		q.Set("min_score", strconv.FormatFloat(*f.MinScore, 'f', -1, 64))
	}
	if f.MaxScore != nil {
		q.Set("max_score", strconv.FormatFloat(*f.MaxScore, 'f', -1, 64))
	}
	if f.ThreatLevel != "" {
		q.Set("risk_level", string(f.ThreatLevel))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	path := PathClaims
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []domain.ClaimSummary
	if err := c.do(ctx, "claims", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRules returns every detection rule.
func (c *Client) ListRules(ctx context.Context) ([]domain.RuleConfig, error) {
	var out []domain.RuleConfig
	if err := c.do(ctx, "rules.list", http.MethodGet, PathRules, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchRule applies a partial update to one rule and returns the stored row.
func (c *Client) PatchRule(ctx context.Context, key string, patch map[string]any) (domain.RuleConfig, error) {
	var out domain.RuleConfig
	path := PathRules + "/" + url.PathEscape(key)
	err := c.do(ctx, "rules.patch", http.MethodPatch, path, patch, &out)
	return out, err
}

// ListConfig returns every configuration value.
func (c *Client) ListConfig(ctx context.Context) ([]domain.SystemConfig, error) {
	var out []domain.SystemConfig
	if err := c.do(ctx, "config.list", http.MethodGet, PathConfig, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchConfig sets one configuration value and returns the stored row.
func (c *Client) PatchConfig(ctx context.Context, key string, value any) (domain.SystemConfig, error) {
	var out domain.SystemConfig
	path := PathConfig + "/" + url.PathEscape(key)
	err := c.do(ctx, "config.patch", http.MethodPatch, path, map[string]any{"value": value}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "gateway "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("gateway.operation", op),
		),
	)
	defer span.End()

	start := time.Now()
	status, err := c.execute(ctx, method, path, body, out)
	c.metrics.ObserveGateway(op, status, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Debug("gateway call failed", "operation", op, "status", status, "error", err)
		return err
	}
	return nil
}

// execute runs the round trip behind the breaker and returns a status label.
func (c *Client) execute(ctx context.Context, method, path string, body, out any) (string, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, method, path, body, out)
	}

	var status string
	_, err := c.breaker.Execute(func() (any, error) {
		var rtErr error
		status, rtErr = c.roundTrip(ctx, method, path, body, out)
		return nil, rtErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "open", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return status, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) (string, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return "encode", fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return "request", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set(RequestIDHeader, requestID(ctx))

	resp, err := c.http.Do(req)
	if err != nil {
		return "network", fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return status, &domain.GatewayError{StatusCode: resp.StatusCode, Detail: parseDetail(raw)}
	}

	if out == nil {
		return status, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return status, fmt.Errorf("%w: decode response: %v", domain.ErrBadResponse, err)
	}
	return status, nil
}

// parseDetail extracts a string `detail` from an error body. Structured
// details such as validation error lists are not operator-readable and are
// dropped.
func parseDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &body) != nil || len(body.Detail) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(body.Detail, &s) != nil {
		return ""
	}
	return s
}
