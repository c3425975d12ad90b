package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

type scorerFunc func(ctx context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error)

func (f scorerFunc) Score(ctx context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error) {
	return f(ctx, c)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock records scheduled callbacks so tests decide when they fire.
type manualClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *manualClock) afterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

var testTimings = Timings{RejectDisplayWindow: 3 * time.Second, RedirectDelay: 1500 * time.Millisecond}

func validClaim() domain.ClaimIntake {
	return domain.ClaimIntake{
		ClaimID:       "CLM10001",
		HospitalID:    "H1",
		PatientID:     "PAT0001",
		ProcedureCode: "P4",
		PackageRate:   40000,
		ClaimAmount:   40000,
		AdmissionDate: "2024-03-01",
		DischargeDate: "2024-03-04",
		IsInpatient:   1,
	}
}

func scoredPayload(id string) *domain.ScoringPayload {
	score := 0.91
	lvl := domain.ThreatCritical
	return &domain.ScoringPayload{ClaimID: id, FinalRiskScore: &score, ThreatLevel: &lvl}
}

func TestSubmitSuccessRedirectsOnce(t *testing.T) {
	clock := &manualClock{}
	var redirects []Redirect
	var handedOff *domain.ScoringPayload

	m := New("form-1", scorerFunc(func(_ context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error) {
		return scoredPayload(c.ClaimID), nil
	}), testTimings,
		WithAfterFunc(clock.afterFunc),
		WithRedirect(func(r Redirect, p *domain.ScoringPayload) {
			redirects = append(redirects, r)
			handedOff = p
		}),
	)

	snap, err := m.Submit(context.Background(), validClaim())
	if err != nil {
		t.Fatalf("Submit refused: %v", err)
	}
	if snap.State != StateSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", snap.State)
	}
	if snap.Payload == nil || snap.Payload.ClaimID != "CLM10001" {
		t.Errorf("expected payload in snapshot, got %+v", snap.Payload)
	}
	if snap.Redirect != nil {
		t.Error("redirect must wait for the delay")
	}

	timer := clock.last()
	if timer == nil || timer.d != 1500*time.Millisecond {
		t.Fatalf("expected redirect timer of 1.5s, got %+v", timer)
	}
	timer.f()
	timer.f()

	if len(redirects) != 1 {
		t.Fatalf("expected exactly one redirect, got %d", len(redirects))
	}
	if redirects[0].Target != "/alerts?id=CLM10001" {
		t.Errorf("unexpected redirect target %q", redirects[0].Target)
	}
	if handedOff == nil || handedOff.ClaimID != "CLM10001" {
		t.Error("redirect should carry the payload")
	}
	if m.Snapshot().Redirect == nil {
		t.Error("snapshot should expose the redirect")
	}

	if _, err := m.Submit(context.Background(), validClaim()); !errors.Is(err, ErrFormCompleted) {
		t.Errorf("expected ErrFormCompleted, got %v", err)
	}
}

func TestDischargeBeforeAdmissionRejectedLocally(t *testing.T) {
	clock := &manualClock{}
	called := false
	m := New("form-2", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
		called = true
		return nil, nil
	}), testTimings, WithAfterFunc(clock.afterFunc))

	claim := validClaim()
	claim.AdmissionDate = "2024-03-05"
	claim.DischargeDate = "2024-03-04"

	snap, err := m.Submit(context.Background(), claim)
	if err != nil {
		t.Fatalf("Submit refused: %v", err)
	}
	if called {
		t.Error("scoring service must not be called for an invalid claim")
	}
	if snap.State != StateRejected {
		t.Fatalf("expected REJECTED, got %s", snap.State)
	}
	if snap.Message != "Discharge date cannot be before admission date" {
		t.Errorf("unexpected message %q", snap.Message)
	}
	if snap.Kind != domain.KindValidation {
		t.Errorf("expected validation kind, got %s", snap.Kind)
	}

	timer := clock.last()
	if timer == nil || timer.d != 3*time.Second {
		t.Fatalf("expected 3s display window, got %+v", timer)
	}
	timer.f()

	if got := m.Snapshot(); got.State != StateIdle || got.Message != "" {
		t.Errorf("expected IDLE with cleared message, got %+v", got)
	}
}

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    State
		message string
		kind    domain.ErrorKind
	}{
		{"Degraded", &domain.GatewayError{StatusCode: 503}, StateServiceDegraded, MsgDegraded, domain.KindServiceUnavailable},
		{"BreakerOpen", fmt.Errorf("%w: circuit breaker is open", domain.ErrGatewayUnavailable), StateServiceDegraded, MsgDegraded, domain.KindServiceUnavailable},
		{"Duplicate", &domain.GatewayError{StatusCode: 409, Detail: "dup"}, StateDuplicateConflict, MsgDuplicate, domain.KindConflict},
		{"Fatal500", &domain.GatewayError{StatusCode: 500}, StateFatalError, MsgFatal, domain.KindFatalServer},
		{"Fatal502", &domain.GatewayError{StatusCode: 502}, StateFatalError, MsgFatal, domain.KindFatalServer},
		{"RejectedWithDetail", &domain.GatewayError{StatusCode: 400, Detail: "Invalid hospital_id"}, StateRejected, "Invalid hospital_id", domain.KindGenericRejection},
		{"RejectedGeneric", &domain.GatewayError{StatusCode: 422}, StateRejected, MsgScoringFailed, domain.KindGenericRejection},
		{"Network", fmt.Errorf("%w: connection refused", domain.ErrNetwork), StateRejected, MsgNetworkFailure, domain.KindGenericRejection},
		{"MalformedBody", fmt.Errorf("%w: decode response: invalid character '<'", domain.ErrBadResponse), StateRejected, MsgScoringFailed, domain.KindGenericRejection},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := &manualClock{}
			m := New("form", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
				return nil, tc.err
			}), testTimings, WithAfterFunc(clock.afterFunc))

			snap, err := m.Submit(context.Background(), validClaim())
			if err != nil {
				t.Fatalf("Submit refused: %v", err)
			}
			if snap.State != tc.want {
				t.Errorf("expected %s, got %s", tc.want, snap.State)
			}
			if snap.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, snap.Message)
			}
			if snap.Kind != tc.kind {
				t.Errorf("expected kind %s, got %s", tc.kind, snap.Kind)
			}
			if snap.Payload != nil {
				t.Error("failed submission must not carry a payload")
			}

			// Only Rejected returns to Idle on its own.
			if (clock.last() != nil) != (tc.want == StateRejected) {
				t.Errorf("unexpected timer scheduling for %s", tc.want)
			}
		})
	}
}

func TestSingleSubmissionInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	calls := 0
	m := New("form-3", scorerFunc(func(_ context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error) {
		calls++
		close(entered)
		<-release
		return scoredPayload(c.ClaimID), nil
	}), testTimings, WithAfterFunc((&manualClock{}).afterFunc))

	done := make(chan Snapshot)
	go func() {
		snap, _ := m.Submit(context.Background(), validClaim())
		done <- snap
	}()
	<-entered

	if got := m.Snapshot().State; got != StateSubmitting {
		t.Fatalf("expected SUBMITTING, got %s", got)
	}
	if _, err := m.Submit(context.Background(), validClaim()); !errors.Is(err, ErrSubmissionInFlight) {
		t.Errorf("expected ErrSubmissionInFlight, got %v", err)
	}
	if _, err := m.Next(); !errors.Is(err, ErrSubmissionInFlight) {
		t.Errorf("navigation should be locked while submitting, got %v", err)
	}

	close(release)
	if snap := <-done; snap.State != StateSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", snap.State)
	}
	if calls != 1 {
		t.Errorf("expected one scoring call, got %d", calls)
	}
}

func TestAcknowledge(t *testing.T) {
	for _, code := range []int{409, 500} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			m := New("form", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
				return nil, &domain.GatewayError{StatusCode: code}
			}), testTimings, WithAfterFunc((&manualClock{}).afterFunc))

			_, _ = m.Submit(context.Background(), validClaim())

			if _, err := m.Submit(context.Background(), validClaim()); !errors.Is(err, ErrAcknowledgementRequired) {
				t.Errorf("expected ErrAcknowledgementRequired, got %v", err)
			}

			snap, err := m.Acknowledge(context.Background())
			if err != nil {
				t.Fatalf("Acknowledge failed: %v", err)
			}
			if snap.State != StateIdle || snap.Message != "" {
				t.Errorf("expected clean IDLE, got %+v", snap)
			}
		})
	}

	t.Run("NotAllowedFromIdle", func(t *testing.T) {
		m := New("form", nil, testTimings)
		if _, err := m.Acknowledge(context.Background()); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})
}

func TestDegradedAllowsRetry(t *testing.T) {
	attempt := 0
	m := New("form", scorerFunc(func(_ context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error) {
		attempt++
		if attempt == 1 {
			return nil, &domain.GatewayError{StatusCode: 503}
		}
		return scoredPayload(c.ClaimID), nil
	}), testTimings, WithAfterFunc((&manualClock{}).afterFunc))

	snap, _ := m.Submit(context.Background(), validClaim())
	if snap.State != StateServiceDegraded {
		t.Fatalf("expected SERVICE_DEGRADED, got %s", snap.State)
	}

	snap, err := m.Submit(context.Background(), validClaim())
	if err != nil {
		t.Fatalf("retry refused: %v", err)
	}
	if snap.State != StateSucceeded || snap.Attempts != 2 {
		t.Errorf("expected SUCCEEDED on attempt 2, got %s after %d", snap.State, snap.Attempts)
	}
}

func TestStaleDisplayTimerIgnored(t *testing.T) {
	clock := &manualClock{}
	attempt := 0
	m := New("form", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
		attempt++
		if attempt == 1 {
			return nil, &domain.GatewayError{StatusCode: 400, Detail: "bad"}
		}
		return nil, &domain.GatewayError{StatusCode: 409}
	}), testTimings, WithAfterFunc(clock.afterFunc))

	_, _ = m.Submit(context.Background(), validClaim())
	first := clock.last()

	// Resubmitting inside the display window is allowed.
	snap, err := m.Submit(context.Background(), validClaim())
	if err != nil {
		t.Fatalf("resubmit refused: %v", err)
	}
	if snap.State != StateDuplicateConflict {
		t.Fatalf("expected DUPLICATE_CONFLICT, got %s", snap.State)
	}
	if !first.stopped {
		t.Error("leaving REJECTED should stop the display timer")
	}

	first.f()
	if got := m.Snapshot().State; got != StateDuplicateConflict {
		t.Errorf("stale timer moved the form to %s", got)
	}
}

func TestObserversSeeEveryTransition(t *testing.T) {
	clock := &manualClock{}
	var seen []string
	m := New("form", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
		return nil, &domain.GatewayError{StatusCode: 400}
	}), testTimings,
		WithAfterFunc(clock.afterFunc),
		WithObserver(func(_ context.Context, tr Transition) {
			seen = append(seen, fmt.Sprintf("%s>%s", tr.From, tr.To))
		}),
	)

	_, _ = m.Submit(context.Background(), validClaim())
	clock.last().f()

	want := []string{"IDLE>SUBMITTING", "SUBMITTING>REJECTED", "REJECTED>IDLE"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, seen)
	}
}

func TestWizardNavigation(t *testing.T) {
	m := New("form", nil, testTimings)

	snap, _ := m.Prev()
	if snap.Step != StepPatient {
		t.Errorf("prev on first step should stay, got %d", snap.Step)
	}

	for i := 0; i < 5; i++ {
		snap, _ = m.Next()
	}
	if snap.Step != StepFinancial || snap.StepName != "Financial Metrics" {
		t.Errorf("expected last step, got %d %q", snap.Step, snap.StepName)
	}
	if !snap.Step.Last() {
		t.Error("expected Last() on final step")
	}

	snap, _ = m.Prev()
	if snap.Step != StepClinical {
		t.Errorf("expected clinical step, got %d", snap.Step)
	}
}

func TestClose(t *testing.T) {
	clock := &manualClock{}
	m := New("form", scorerFunc(func(context.Context, domain.ClaimIntake) (*domain.ScoringPayload, error) {
		return nil, &domain.GatewayError{StatusCode: 400}
	}), testTimings, WithAfterFunc(clock.afterFunc))

	_, _ = m.Submit(context.Background(), validClaim())
	m.Close()

	if !clock.last().stopped {
		t.Error("Close should stop pending timers")
	}
	if _, err := m.Submit(context.Background(), validClaim()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestCloseDuringSubmission(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"Accepted", nil},
		{"Rejected", &domain.GatewayError{StatusCode: 400}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := &manualClock{}
			entered := make(chan struct{})
			release := make(chan struct{})
			m := New("form", scorerFunc(func(_ context.Context, c domain.ClaimIntake) (*domain.ScoringPayload, error) {
				close(entered)
				<-release
				if tc.err != nil {
					return nil, tc.err
				}
				return scoredPayload(c.ClaimID), nil
			}), testTimings, WithAfterFunc(clock.afterFunc))

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = m.Submit(context.Background(), validClaim())
			}()

			<-entered
			m.Close()
			close(release)
			<-done

			if clock.last() != nil {
				t.Error("closed form must not arm a timer after the score returns")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.ClaimIntake)
		ok     bool
	}{
		{"Valid", func(*domain.ClaimIntake) {}, true},
		{"SameDayDischarge", func(c *domain.ClaimIntake) { c.DischargeDate = c.AdmissionDate }, true},
		{"MissingClaimID", func(c *domain.ClaimIntake) { c.ClaimID = " " }, false},
		{"ZeroAmount", func(c *domain.ClaimIntake) { c.ClaimAmount = 0 }, false},
		{"NegativeRate", func(c *domain.ClaimIntake) { c.PackageRate = -1 }, false},
		{"BadInpatientFlag", func(c *domain.ClaimIntake) { c.IsInpatient = 2 }, false},
		{"BadDate", func(c *domain.ClaimIntake) { c.AdmissionDate = "03/01/2024" }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validClaim()
			tc.mutate(&c)
			err := Validate(c)
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
