// Package editbuffer holds unsaved field edits for keyed rows and saves them
// one row at a time. The canonical rows are only replaced by what the server
// returns, so a failed save never loses an operator's edits.
package editbuffer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrSaveInFlight is returned when a row already has a save outstanding.
	ErrSaveInFlight = errors.New("save already in flight for row")

	// ErrNothingToSave is returned when a row has no pending edits.
	ErrNothingToSave = errors.New("no pending edits for row")

	// ErrUnknownRow is returned for a row id the buffer has not loaded.
	ErrUnknownRow = errors.New("unknown row")
)

// Patch maps field names to their edited values.
type Patch map[string]any

func (p Patch) clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Saver persists a patch for one row and returns the row as stored.
type Saver[R any] func(ctx context.Context, id string, patch Patch) (R, error)

// FieldPolicy vets a single edit before it is staged.
type FieldPolicy[R any] func(row R, field string, value any) error

// Validator vets a row's full patch right before it is sent.
type Validator[R any] func(id string, patch Patch, rows map[string]R) error

// Buffer stages edits over a set of rows keyed by id.
type Buffer[R any] struct {
	mu       sync.Mutex
	keyOf    func(R) string
	save     Saver[R]
	policy   FieldPolicy[R]
	validate Validator[R]

	order    []string
	rows     map[string]R
	pending  map[string]Patch
	inflight map[string]bool
	errs     map[string]error
}

// Option customises a Buffer.
type Option[R any] func(*Buffer[R])

// WithFieldPolicy rejects edits the policy refuses.
func WithFieldPolicy[R any](p FieldPolicy[R]) Option[R] {
	return func(b *Buffer[R]) { b.policy = p }
}

// WithValidator checks a patch against the loaded rows before saving.
func WithValidator[R any](v Validator[R]) Option[R] {
	return func(b *Buffer[R]) { b.validate = v }
}

// New creates a buffer. keyOf extracts a row's id.
func New[R any](keyOf func(R) string, save Saver[R], opts ...Option[R]) *Buffer[R] {
	b := &Buffer[R]{
		keyOf:    keyOf,
		save:     save,
		rows:     make(map[string]R),
		pending:  make(map[string]Patch),
		inflight: make(map[string]bool),
		errs:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load replaces the canonical rows. Pending edits are kept for rows that are
// still present; edits and errors for rows that disappeared are dropped.
func (b *Buffer[R]) Load(rows []R) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = make(map[string]R, len(rows))
	b.order = b.order[:0]
	for _, r := range rows {
		id := b.keyOf(r)
		if _, dup := b.rows[id]; !dup {
			b.order = append(b.order, id)
		}
		b.rows[id] = r
	}
	for id := range b.pending {
		if _, ok := b.rows[id]; !ok {
			delete(b.pending, id)
		}
	}
	for id := range b.errs {
		if _, ok := b.rows[id]; !ok {
			delete(b.errs, id)
		}
	}
}

// Rows returns the canonical rows in load order.
func (b *Buffer[R]) Rows() []R {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]R, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.rows[id])
	}
	return out
}

// Row returns the canonical row for id.
func (b *Buffer[R]) Row(id string) (R, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[id]
	return r, ok
}

// SetField stages value for field on row id, creating the patch if absent.
func (b *Buffer[R]) SetField(id, field string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRow, id)
	}
	if b.policy != nil {
		if err := b.policy(row, field, value); err != nil {
			return err
		}
	}

	p, ok := b.pending[id]
	if !ok {
		p = make(Patch)
		b.pending[id] = p
	}
	p[field] = value
	return nil
}

// EffectiveValue returns the staged value for field, or canonical if none.
func (b *Buffer[R]) EffectiveValue(id, field string, canonical any) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.pending[id][field]; ok {
		return v
	}
	return canonical
}

// IsDirty reports whether row id has staged edits.
func (b *Buffer[R]) IsDirty(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[id]) > 0
}

// Pending returns a copy of the staged patch for id.
func (b *Buffer[R]) Pending(id string) Patch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[id]; ok {
		return p.clone()
	}
	return nil
}

// DirtyIDs lists rows with staged edits, in load order.
func (b *Buffer[R]) DirtyIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for _, id := range b.order {
		if len(b.pending[id]) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Saving reports whether row id has a save outstanding.
func (b *Buffer[R]) Saving(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[id]
}

// Err returns the last save error recorded for row id.
func (b *Buffer[R]) Err(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs[id]
}

// Discard drops staged edits and the recorded error for row id.
func (b *Buffer[R]) Discard(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
	delete(b.errs, id)
}

// Save sends the staged patch for row id. On success the canonical row is
// replaced with the saver's result and the sent fields are cleared. On
// failure the patch stays staged and the error is recorded for that row.
func (b *Buffer[R]) Save(ctx context.Context, id string) (R, error) {
	var zero R

	b.mu.Lock()
	if _, ok := b.rows[id]; !ok {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrUnknownRow, id)
	}
	if b.inflight[id] {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrSaveInFlight, id)
	}
	p := b.pending[id]
	if len(p) == 0 {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrNothingToSave, id)
	}
	sent := p.clone()
	if b.validate != nil {
		rows := make(map[string]R, len(b.rows))
		for k, v := range b.rows {
			rows[k] = v
		}
		if err := b.validate(id, sent, rows); err != nil {
			b.errs[id] = err
			b.mu.Unlock()
			return zero, err
		}
	}
	b.inflight[id] = true
	delete(b.errs, id)
	b.mu.Unlock()

	saved, err := b.save(ctx, id, sent)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)

	if err != nil {
		b.errs[id] = err
		return zero, err
	}

	// A reload may have dropped the row while the save was outstanding.
	if _, ok := b.rows[id]; !ok {
		return saved, nil
	}
	b.rows[id] = saved

	// Edits staged while the save was outstanding survive it.
	if cur, ok := b.pending[id]; ok {
		for field, v := range sent {
			if reflect.DeepEqual(cur[field], v) {
				delete(cur, field)
			}
		}
		if len(cur) == 0 {
			delete(b.pending, id)
		}
	}
	return saved, nil
}
