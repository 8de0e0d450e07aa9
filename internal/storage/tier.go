// Package storage persists alert records through an ordered chain of tiers
// with an in-memory emergency queue as the last resort.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chartink-webhook-go/internal/models"
)

var (
	// ErrTierTimeout means a tier lost the race against its sub-deadline.
	ErrTierTimeout = errors.New("storage tier timed out")
	// ErrNoBudget means no time was left to attempt the tier.
	ErrNoBudget = errors.New("no time budget left for storage tier")
	// ErrAllTiersFailed means the record only reached the emergency queue.
	ErrAllTiersFailed = errors.New("all storage tiers failed")
	// ErrNotConfigured is returned by tiers missing required settings.
	ErrNotConfigured = errors.New("storage tier is not configured")
)

// Tier is one durable sink in the fallback chain. Both calls must honour
// ctx; the manager bounds them with per-tier timeouts.
type Tier interface {
	Name() string
	Initialize(ctx context.Context) error
	Write(ctx context.Context, path string, record *models.StorageRecord) error
}

// Reader is implemented by tiers that can list the records of one day.
type Reader interface {
	ReadDate(ctx context.Context, date string) ([]*models.StorageRecord, error)
}

// DateLister is implemented by tiers that can enumerate stored days.
type DateLister interface {
	Dates(ctx context.Context) ([]string, error)
}

// TierError wraps a failed tier phase ("init" or "write").
type TierError struct {
	Tier  string
	Phase string
	Err   error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Tier, e.Phase, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// initOnce memoizes a successful initialization. A failed attempt is not
// remembered, so the next caller tries again.
type initOnce struct {
	mu   sync.Mutex
	done bool
}

func (o *initOnce) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	o.done = true
	return nil
}
