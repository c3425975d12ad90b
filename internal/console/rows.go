package console

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/editbuffer"
	"github.com/opensource-finance/claimdesk/internal/gateway"
	"github.com/opensource-finance/claimdesk/internal/policy"
)

// Editor names used in metrics and audit events.
const (
	EditorRules  = "rules"
	EditorConfig = "config"
)

// RowState is one editable row as the console shows it.
type RowState[R any] struct {
	Row       R                `json:"row"`
	Pending   editbuffer.Patch `json:"pending,omitempty"`
	Dirty     bool             `json:"dirty"`
	Saving    bool             `json:"saving"`
	Error     string           `json:"error,omitempty"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
}

func rowStates[R any](b *editbuffer.Buffer[R], keyOf func(R) string) []RowState[R] {
	rows := b.Rows()
	out := make([]RowState[R], 0, len(rows))
	for _, r := range rows {
		out = append(out, rowState(b, keyOf(r), r))
	}
	return out
}

func rowState[R any](b *editbuffer.Buffer[R], id string, row R) RowState[R] {
	st := RowState[R]{
		Row:     row,
		Pending: b.Pending(id),
		Dirty:   b.IsDirty(id),
		Saving:  b.Saving(id),
	}
	if err := b.Err(id); err != nil {
		st.Error = errorMessage(err)
		st.ErrorKind = domain.Classify(err)
	}
	return st
}

// errorMessage prefers the scoring service's detail over the wrapped error text.
func errorMessage(err error) string {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Detail != "" {
		return gwErr.Detail
	}
	return err.Error()
}

func ruleKey(r domain.RuleConfig) string     { return r.RuleKey }
func configKey(c domain.SystemConfig) string { return c.ConfigKey }

// ruleFieldPolicy allows is_enabled on every rule and threshold_value only on
// rules that carry a numeric threshold.
func ruleFieldPolicy(row domain.RuleConfig, field string, value any) error {
	switch field {
	case domain.FieldIsEnabled:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: is_enabled must be a boolean", domain.ErrValidation)
		}
		return nil
	case domain.FieldThresholdValue:
		if row.ThresholdValue == nil {
			return fmt.Errorf("%w: rule %s has no numeric threshold", domain.ErrValidation, row.RuleKey)
		}
		if _, err := toFloat(value); err != nil {
			return fmt.Errorf("%w: threshold_value: %v", domain.ErrValidation, err)
		}
		return nil
	}
	return fmt.Errorf("%w: field %q is not editable on rules", domain.ErrValidation, field)
}

// configFieldPolicy allows config_value only, as a number or numeric string.
func configFieldPolicy(row domain.SystemConfig, field string, value any) error {
	if field != domain.FieldConfigValue {
		return fmt.Errorf("%w: field %q is not editable on config", domain.ErrValidation, field)
	}
	if _, err := toFloat(value); err != nil {
		return fmt.Errorf("%w: config_value: %v", domain.ErrValidation, err)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not a finite number", n)
		}
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}

func newRuleBuffer(gw *gateway.Client) *editbuffer.Buffer[domain.RuleConfig] {
	save := func(ctx context.Context, key string, patch editbuffer.Patch) (domain.RuleConfig, error) {
		return gw.PatchRule(ctx, key, patch)
	}
	return editbuffer.New(ruleKey, save,
		editbuffer.WithFieldPolicy(ruleFieldPolicy),
	)
}

func newConfigBuffer(gw *gateway.Client, guard *policy.BandGuard) *editbuffer.Buffer[domain.SystemConfig] {
	save := func(ctx context.Context, key string, patch editbuffer.Patch) (domain.SystemConfig, error) {
		return gw.PatchConfig(ctx, key, patch[domain.FieldConfigValue])
	}
	opts := []editbuffer.Option[domain.SystemConfig]{
		editbuffer.WithFieldPolicy(configFieldPolicy),
	}
	if guard != nil {
		opts = append(opts, editbuffer.WithValidator(guard.Validator()))
	}
	return editbuffer.New(configKey, save, opts...)
}
