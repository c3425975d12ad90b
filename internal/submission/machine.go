// Package submission drives the claim-intake wizard from form entry to a
// scored result. Each form instance is a small state machine: one submission
// may be in flight at a time and every failure lands in an explicit state.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// State of a form instance.
type State string

const (
	StateIdle              State = "IDLE"
	StateSubmitting        State = "SUBMITTING"
	StateSucceeded         State = "SUCCEEDED"
	StateDuplicateConflict State = "DUPLICATE_CONFLICT"
	StateServiceDegraded   State = "SERVICE_DEGRADED"
	StateFatalError        State = "FATAL_ERROR"
	StateRejected          State = "REJECTED"
)

// Terminal reports whether s ends a submission attempt.
func (s State) Terminal() bool {
	return s != StateIdle && s != StateSubmitting
}

// Event drives a transition.
type Event string

const (
	EventSubmit         Event = "submit"
	EventInvalid        Event = "invalid"
	EventAccepted       Event = "accepted"
	EventDuplicate      Event = "duplicate"
	EventDegraded       Event = "degraded"
	EventFatal          Event = "fatal"
	EventRejected       Event = "rejected"
	EventAcknowledge    Event = "acknowledge"
	EventDisplayElapsed Event = "display_elapsed"
)

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventSubmit:  StateSubmitting,
		EventInvalid: StateRejected,
	},
	StateSubmitting: {
		EventAccepted:  StateSucceeded,
		EventDuplicate: StateDuplicateConflict,
		EventDegraded:  StateServiceDegraded,
		EventFatal:     StateFatalError,
		EventRejected:  StateRejected,
	},
	StateRejected: {
		EventSubmit:         StateSubmitting,
		EventInvalid:        StateRejected,
		EventDisplayElapsed: StateIdle,
	},
	StateServiceDegraded: {
		EventSubmit:      StateSubmitting,
		EventInvalid:     StateRejected,
		EventAcknowledge: StateIdle,
	},
	StateDuplicateConflict: {
		EventAcknowledge: StateIdle,
	},
	StateFatalError: {
		EventAcknowledge: StateIdle,
	},
}

var (
	// ErrInvalidTransition is returned when an event is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSubmissionInFlight is returned when a submission is already outstanding.
	ErrSubmissionInFlight = errors.New("submission already in flight")

	// ErrAcknowledgementRequired is returned when an error must be acknowledged first.
	ErrAcknowledgementRequired = errors.New("acknowledge the previous outcome first")

	// ErrFormCompleted is returned once the form has produced a result.
	ErrFormCompleted = errors.New("form already completed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("form closed")
)

// Operator-facing messages.
const (
	MsgDegraded       = "Intelligence pipeline is currently offline or saturated. Please stand by."
	MsgDuplicate      = "Duplicate claim detected. This claim ID has already been scored."
	MsgFatal          = "The scoring service failed to process the claim."
	MsgScoringFailed  = "Scoring failed"
	MsgNetworkFailure = "Network error: unable to reach the scoring service"
)

// Scorer submits a claim to the scoring service.
type Scorer interface {
	Score(ctx context.Context, claim domain.ClaimIntake) (*domain.ScoringPayload, error)
}

// Timer is the subset of *time.Timer the machine needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Timings controls the automatic transitions.
type Timings struct {
	RejectDisplayWindow time.Duration
	RedirectDelay       time.Duration
}

// Redirect is the one-time hand-off to the claim detail view.
type Redirect struct {
	ClaimID string `json:"claim_id"`
	Target  string `json:"target"`
}

// Snapshot is a point-in-time copy of a form's state.
type Snapshot struct {
	FormID     string                 `json:"form_id"`
	State      State                  `json:"state"`
	Step       Step                   `json:"step"`
	StepName   string                 `json:"step_name"`
	Message    string                 `json:"message,omitempty"`
	Kind       domain.ErrorKind       `json:"error_kind,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Payload    *domain.ScoringPayload `json:"payload,omitempty"`
	Redirect   *Redirect              `json:"redirect,omitempty"`
	Attempts   int                    `json:"attempts"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Transition describes one state change, delivered to observers.
type Transition struct {
	From     State
	To       State
	Event    Event
	Snapshot Snapshot
}

// Observer is notified after every transition, outside the machine's lock.
type Observer func(ctx context.Context, t Transition)

// RedirectFunc receives the payload once the redirect delay has elapsed.
type RedirectFunc func(r Redirect, payload *domain.ScoringPayload)

// Option customises a Machine.
type Option func(*Machine)

// WithAfterFunc replaces the timer source.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Machine) { m.afterFunc = f }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithRedirect registers the hand-off to the detail view.
func WithRedirect(f RedirectFunc) Option {
	return func(m *Machine) { m.onRedirect = f }
}

// Machine is one claim-intake form instance.
type Machine struct {
	mu         sync.Mutex
	id         string
	scorer     Scorer
	timings    Timings
	afterFunc  AfterFunc
	observers  []Observer
	onRedirect RedirectFunc

	state      State
	step       Step
	message    string
	kind       domain.ErrorKind
	statusCode int
	payload    *domain.ScoringPayload
	redirect   *Redirect
	attempts   int
	updatedAt  time.Time

	// episode invalidates timers scheduled for an earlier state.
	episode uint64
	timer   Timer
	closed  bool
}

// New creates a form instance in the Idle state on the first wizard step.
func New(id string, scorer Scorer, timings Timings, opts ...Option) *Machine {
	m := &Machine{
		id:        id,
		scorer:    scorer,
		timings:   timings,
		afterFunc: realAfterFunc,
		state:     StateIdle,
		updatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the form instance ID.
func (m *Machine) ID() string { return m.id }

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Submit validates the claim and, if valid, sends it to the scoring service.
// It blocks until the attempt reaches a terminal state. A returned error means
// the submission was refused; every other outcome is reported in the snapshot.
func (m *Machine) Submit(ctx context.Context, claim domain.ClaimIntake) (Snapshot, error) {
	m.mu.Lock()
	if err := m.canSubmitLocked(); err != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}

	if err := Validate(claim); err != nil {
		t, _ := m.fireLocked(EventInvalid, func() {
			m.setOutcomeLocked(err.Error(), domain.KindValidation, 0, nil)
		})
		m.scheduleLocked()
		m.mu.Unlock()
		m.notify(ctx, t)
		return t.Snapshot, nil
	}

	start, _ := m.fireLocked(EventSubmit, func() {
		m.setOutcomeLocked("", "", 0, nil)
		m.attempts++
	})
	m.mu.Unlock()
	m.notify(ctx, start)

	payload, err := m.scorer.Score(ctx, claim)

	m.mu.Lock()
	event, apply := m.outcome(payload, err)
	t, _ := m.fireLocked(event, apply)
	if !m.closed {
		m.scheduleLocked()
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("claim submission failed",
			"form_id", m.id,
			"claim_id", claim.ClaimID,
			"state", t.To,
			"error", err,
		)
	}
	m.notify(ctx, t)
	return t.Snapshot, nil
}

// Acknowledge dismisses a conflict, fatal or degraded outcome and returns to Idle.
func (m *Machine) Acknowledge(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, ErrClosed
	}
	t, err := m.fireLocked(EventAcknowledge, func() {
		m.setOutcomeLocked("", "", 0, nil)
	})
	if err != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return snap, err
	}
	m.mu.Unlock()
	m.notify(ctx, t)
	return t.Snapshot, nil
}

// Close stops pending timers. The form accepts no further events.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.episode++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) canSubmitLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.state == StateSubmitting:
		return ErrSubmissionInFlight
	case m.state == StateSucceeded:
		return ErrFormCompleted
	case m.state == StateDuplicateConflict, m.state == StateFatalError:
		return ErrAcknowledgementRequired
	}
	return nil
}

// outcome maps the scoring result onto an event and the state it records.
func (m *Machine) outcome(payload *domain.ScoringPayload, err error) (Event, func()) {
	if err == nil {
		return EventAccepted, func() { m.setOutcomeLocked("", "", http.StatusOK, payload) }
	}

	if errors.Is(err, domain.ErrGatewayUnavailable) {
		return EventDegraded, func() {
			m.setOutcomeLocked(MsgDegraded, domain.KindServiceUnavailable, 0, nil)
		}
	}

	if errors.Is(err, domain.ErrBadResponse) {
		return EventRejected, func() {
			m.setOutcomeLocked(MsgScoringFailed, domain.KindGenericRejection, 0, nil)
		}
	}

	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) {
		return EventRejected, func() {
			m.setOutcomeLocked(MsgNetworkFailure, domain.KindGenericRejection, 0, nil)
		}
	}

	code := gwErr.StatusCode
	switch {
	case code == http.StatusServiceUnavailable:
		return EventDegraded, func() { m.setOutcomeLocked(MsgDegraded, domain.KindServiceUnavailable, code, nil) }
	case code == http.StatusConflict:
		return EventDuplicate, func() { m.setOutcomeLocked(MsgDuplicate, domain.KindConflict, code, nil) }
	case code >= 500:
		return EventFatal, func() { m.setOutcomeLocked(MsgFatal, domain.KindFatalServer, code, nil) }
	}

	msg := gwErr.Detail
	if msg == "" {
		msg = MsgScoringFailed
	}
	return EventRejected, func() { m.setOutcomeLocked(msg, domain.KindGenericRejection, code, nil) }
}

func (m *Machine) setOutcomeLocked(msg string, kind domain.ErrorKind, code int, payload *domain.ScoringPayload) {
	m.message = msg
	m.kind = kind
	m.statusCode = code
	m.payload = payload
	m.redirect = nil
}

// fireLocked applies event, runs apply on success and returns the transition.
func (m *Machine) fireLocked(event Event, apply func()) (Transition, error) {
	from := m.state
	to, ok := transitions[from][event]
	if !ok {
		return Transition{}, fmt.Errorf("%w: event %s in state %s", ErrInvalidTransition, event, from)
	}

	if apply != nil {
		apply()
	}
	m.state = to
	m.updatedAt = time.Now().UTC()
	m.episode++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	slog.Debug("form state transitioned",
		"form_id", m.id,
		"from", from,
		"to", to,
		"event", event,
	)
	return Transition{From: from, To: to, Event: event, Snapshot: m.snapshotLocked()}, nil
}

// scheduleLocked arms the automatic transition for the current state.
func (m *Machine) scheduleLocked() {
	episode := m.episode
	switch m.state {
	case StateRejected:
		m.timer = m.afterFunc(m.timings.RejectDisplayWindow, func() { m.displayElapsed(episode) })
	case StateSucceeded:
		m.timer = m.afterFunc(m.timings.RedirectDelay, func() { m.redirectDue(episode) })
	}
}

func (m *Machine) displayElapsed(episode uint64) {
	m.mu.Lock()
	if m.closed || m.episode != episode {
		m.mu.Unlock()
		return
	}
	t, err := m.fireLocked(EventDisplayElapsed, func() {
		m.setOutcomeLocked("", "", 0, nil)
	})
	m.mu.Unlock()
	if err == nil {
		m.notify(context.Background(), t)
	}
}

func (m *Machine) redirectDue(episode uint64) {
	m.mu.Lock()
	if m.closed || m.episode != episode || m.state != StateSucceeded || m.redirect != nil {
		m.mu.Unlock()
		return
	}
	claimID := ""
	if m.payload != nil {
		claimID = m.payload.ClaimID
	}
	r := Redirect{ClaimID: claimID, Target: "/alerts?id=" + url.QueryEscape(claimID)}
	m.redirect = &r
	m.timer = nil
	payload := m.payload
	hook := m.onRedirect
	m.mu.Unlock()

	if hook != nil {
		hook(r, payload)
	}
}

func (m *Machine) notify(ctx context.Context, t Transition) {
	for _, o := range m.observers {
		o(ctx, t)
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		FormID:     m.id,
		State:      m.state,
		Step:       m.step,
		StepName:   m.step.Name(),
		Message:    m.message,
		Kind:       m.kind,
		StatusCode: m.statusCode,
		Payload:    m.payload,
		Attempts:   m.attempts,
		UpdatedAt:  m.updatedAt,
	}
	if m.redirect != nil {
		r := *m.redirect
		s.Redirect = &r
	}
	return s
}
