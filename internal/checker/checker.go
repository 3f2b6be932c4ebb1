// Package checker holds the per-batch-type work functions the dispatcher
// runs for each claimed item.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
)

var (
	// ErrFatal marks a failure that dooms the whole run, not just the item.
	ErrFatal         = errors.New("checker_fatal")
	ErrNotConfigured = errors.New("checker_not_configured")
)

type Item struct {
	RunID     string
	ItemID    string
	AccountID string
	BatchType batchdomain.BatchType
	Position  int
	Payload   json.RawMessage
}

// Outcome is a successful check. A nil CreditsUsed means the run's per-item
// estimate was consumed in full.
type Outcome struct {
	Output      json.RawMessage
	CreditsUsed *int64
}

type Checker interface {
	Check(ctx context.Context, item Item) (*Outcome, error)
}

// Func adapts a plain function to Checker.
type Func func(ctx context.Context, item Item) (*Outcome, error)

func (f Func) Check(ctx context.Context, item Item) (*Outcome, error) {
	return f(ctx, item)
}

// Fatal wraps err so callers treat it as run-level.
func Fatal(err error) error {
	if err == nil {
		return ErrFatal
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Registry holds one checker per batch type. Every batch type has its own
// field, so adding a type means adding a field and a case below.
type Registry struct {
	mu      sync.RWMutex
	rank    Checker
	llm     Checker
	concept Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) slot(batchType batchdomain.BatchType) *Checker {
	switch batchType {
	case batchdomain.BatchTypeRank:
		return &r.rank
	case batchdomain.BatchTypeLLM:
		return &r.llm
	case batchdomain.BatchTypeConcept:
		return &r.concept
	default:
		return nil
	}
}

// Register sets the checker of a batch type. Unknown types are ignored.
func (r *Registry) Register(batchType batchdomain.BatchType, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot := r.slot(batchType); slot != nil {
		*slot = c
	}
}

func (r *Registry) Lookup(batchType batchdomain.BatchType) (Checker, error) {
	if r == nil {
		return nil, ErrNotConfigured
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot := r.slot(batchType)
	if slot == nil || *slot == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, batchType)
	}
	return *slot, nil
}

// Supports reports whether items of batchType can be processed.
func (r *Registry) Supports(batchType batchdomain.BatchType) bool {
	_, err := r.Lookup(batchType)
	return err == nil
}
