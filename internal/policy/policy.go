// Package policy compiles the console's CEL policies: the guard every risk
// band save must pass, and ad-hoc filters over the claim list.
package policy

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/editbuffer"
)

// BandGuard checks risk band edges before they are saved.
type BandGuard struct {
	expr    string
	program cel.Program
}

// Bands holds the three risk band edges.
type Bands struct {
	LowMax    int64
	MediumMax int64
	HighMax   int64
}

// NewBandGuard compiles expr over low_max, medium_max and high_max.
func NewBandGuard(expr string) (*BandGuard, error) {
	if strings.TrimSpace(expr) == "" {
		expr = domain.DefaultBandGuard
	}

	env, err := cel.NewEnv(
		cel.Variable("low_max", cel.IntType),
		cel.Variable("medium_max", cel.IntType),
		cel.Variable("high_max", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	program, err := compileBool(env, expr)
	if err != nil {
		return nil, fmt.Errorf("band guard: %w", err)
	}
	return &BandGuard{expr: expr, program: program}, nil
}

// Expression returns the guard's source.
func (g *BandGuard) Expression() string { return g.expr }

// Check evaluates the guard against b.
func (g *BandGuard) Check(b Bands) error {
	out, _, err := g.program.Eval(map[string]any{
		"low_max":    b.LowMax,
		"medium_max": b.MediumMax,
		"high_max":   b.HighMax,
	})
	if err != nil {
		return fmt.Errorf("band guard evaluation: %w", err)
	}
	if out != types.True {
		return fmt.Errorf("%w: risk bands LOW_MAX=%d MEDIUM_MAX=%d HIGH_MAX=%d violate %q",
			domain.ErrValidation, b.LowMax, b.MediumMax, b.HighMax, g.expr)
	}
	return nil
}

// Validator adapts the guard to the config edit buffer. A save of one band
// edge is checked against the canonical values of the other two, which is
// what the server will hold once the save lands. Non-band keys pass through.
func (g *BandGuard) Validator() editbuffer.Validator[domain.SystemConfig] {
	return func(id string, patch editbuffer.Patch, rows map[string]domain.SystemConfig) error {
		if !IsBandKey(id) {
			return nil
		}

		values := make(map[string]int64, 3)
		for _, key := range []string{domain.BandLowMax, domain.BandMediumMax, domain.BandHighMax} {
			var raw any
			if key == id {
				raw = patch[domain.FieldConfigValue]
			} else {
				row, ok := rows[key]
				if !ok {
					// Without all three edges there is nothing to compare against.
					return nil
				}
				raw = row.ConfigValue
			}
			n, err := ToInt(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", domain.ErrValidation, key, err)
			}
			values[key] = n
		}

		return g.Check(Bands{
			LowMax:    values[domain.BandLowMax],
			MediumMax: values[domain.BandMediumMax],
			HighMax:   values[domain.BandHighMax],
		})
	}
}

// IsBandKey reports whether key is a risk band edge.
func IsBandKey(key string) bool {
	switch key {
	case domain.BandLowMax, domain.BandMediumMax, domain.BandHighMax:
		return true
	}
	return false
}

// ToInt reads an integer config value from a string or JSON number.
func ToInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}

// FilterCompiler compiles claim list filters and keeps recently used ones.
type FilterCompiler struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*ClaimFilter
	maxSize  int
}

// ClaimFilter is a compiled boolean expression over one claim row.
type ClaimFilter struct {
	Expression string
	program    cel.Program
}

// NewFilterCompiler creates a compiler with the claim variables declared.
func NewFilterCompiler() (*FilterCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("claim", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("claim_id", cel.StringType),
		cel.Variable("hospital_id", cel.StringType),
		cel.Variable("patient_id", cel.StringType),
		cel.Variable("procedure_code", cel.StringType),
		cel.Variable("claim_amount", cel.DoubleType),
		cel.Variable("final_risk_score", cel.DoubleType),
		cel.Variable("threat_level", cel.StringType),
		cel.Variable("fraud_pattern", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &FilterCompiler{env: env, compiled: make(map[string]*ClaimFilter), maxSize: 128}, nil
}

// Compile returns the filter for expr, compiling it on first use.
func (c *FilterCompiler) Compile(expr string) (*ClaimFilter, error) {
	c.mu.RLock()
	f, ok := c.compiled[expr]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	program, err := compileBool(c.env, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: claim filter: %v", domain.ErrInvalidInput, err)
	}
	f = &ClaimFilter{Expression: expr, program: program}

	c.mu.Lock()
	if len(c.compiled) >= c.maxSize {
		c.compiled = make(map[string]*ClaimFilter)
	}
	c.compiled[expr] = f
	c.mu.Unlock()
	return f, nil
}

// Apply keeps the claims the filter accepts. Claims the expression cannot
// evaluate, such as a missing map key, are dropped.
func (f *ClaimFilter) Apply(claims []domain.ClaimSummary) []domain.ClaimSummary {
	out := make([]domain.ClaimSummary, 0, len(claims))
	for _, c := range claims {
		ok, err := f.Match(c)
		if err == nil && ok {
			out = append(out, c)
		}
	}
	return out
}

// Match evaluates the filter for one claim.
func (f *ClaimFilter) Match(c domain.ClaimSummary) (bool, error) {
	threat := c.ThreatLevel
	if threat == "" {
		threat = c.RiskLevel
	}
	vars := map[string]any{
		"claim_id":         c.ClaimID,
		"hospital_id":      c.HospitalID,
		"patient_id":       c.PatientID,
		"procedure_code":   c.ProcedureCode,
		"claim_amount":     c.ClaimAmount,
		"final_risk_score": c.FinalRiskScore,
		"threat_level":     string(threat),
		"fraud_pattern":    string(c.FraudPattern),
	}
	claim := make(map[string]any, len(vars))
	for k, v := range vars {
		claim[k] = v
	}
	vars["claim"] = claim

	out, _, err := f.program.Eval(vars)
	if err != nil {
		return false, err
	}
	return out == types.True, nil
}

func compileBool(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}
