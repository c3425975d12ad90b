package submission

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// Step is a page of the intake wizard.
type Step int

const (
	StepPatient Step = iota
	StepFacility
	StepClinical
	StepFinancial
)

var stepNames = [...]string{
	StepPatient:   "Patient Profile",
	StepFacility:  "Facility Data",
	StepClinical:  "Clinical Details",
	StepFinancial: "Financial Metrics",
}

// Name returns the step's display name.
func (s Step) Name() string {
	if s < 0 || int(s) >= len(stepNames) {
		return ""
	}
	return stepNames[s]
}

// Last reports whether s is the final step.
func (s Step) Last() bool { return s == StepFinancial }

// Next advances the wizard one step. It is a no-op on the last step.
func (m *Machine) Next() (Snapshot, error) {
	return m.move(1)
}

// Prev moves the wizard back one step. It is a no-op on the first step.
func (m *Machine) Prev() (Snapshot, error) {
	return m.move(-1)
}

func (m *Machine) move(delta int) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return m.snapshotLocked(), ErrClosed
	case m.state == StateSubmitting:
		return m.snapshotLocked(), ErrSubmissionInFlight
	case m.state == StateSucceeded:
		return m.snapshotLocked(), ErrFormCompleted
	}

	next := m.step + Step(delta)
	if next >= StepPatient && next <= StepFinancial {
		m.step = next
	}
	return m.snapshotLocked(), nil
}

// Validate checks a claim before it is sent. The returned error wraps
// domain.ErrValidation and its message is operator-readable.
func Validate(c domain.ClaimIntake) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"claim_id", c.ClaimID},
		{"hospital_id", c.HospitalID},
		{"patient_id", c.PatientID},
		{"procedure_code", c.ProcedureCode},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return invalid("Missing required fields: %s", strings.Join(missing, ", "))
	}

	if c.PackageRate <= 0 {
		return invalid("Package rate must be greater than zero")
	}
	if c.ClaimAmount <= 0 {
		return invalid("Claim amount must be greater than zero")
	}
	if c.IsInpatient != 0 && c.IsInpatient != 1 {
		return invalid("Inpatient flag must be 0 or 1")
	}

	admission, err := time.Parse(domain.DateLayout, c.AdmissionDate)
	if err != nil {
		return invalid("Admission date must be YYYY-MM-DD")
	}
	discharge, err := time.Parse(domain.DateLayout, c.DischargeDate)
	if err != nil {
		return invalid("Discharge date must be YYYY-MM-DD")
	}
	if discharge.Before(admission) {
		return invalid("Discharge date cannot be before admission date")
	}
	return nil
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return domain.ErrValidation }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}
