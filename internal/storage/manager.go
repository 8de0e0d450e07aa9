package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/metrics"
	"chartink-webhook-go/internal/models"
	"go.uber.org/zap"
)

// EmergencyTier names the in-memory queue in results.
const EmergencyTier = "emergency"

const (
	phaseInit  = "init"
	phaseWrite = "write"
)

// Binding is a tier with its per-phase timeout caps.
type Binding struct {
	Tier         Tier
	InitTimeout  time.Duration
	WriteTimeout time.Duration
}

// TierAttempt records what happened at one tier.
type TierAttempt struct {
	Tier      string `json:"tier"`
	Phase     string `json:"phase,omitempty"`
	Success   bool   `json:"success"`
	TimedOut  bool   `json:"timedOut,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Result says which tier, if any, holds the record.
type Result struct {
	Success   bool          `json:"success"`
	Tier      string        `json:"tier"`
	Path      string        `json:"path"`
	Attempts  []TierAttempt `json:"attempts"`
	QueueSize int           `json:"queueSize,omitempty"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// Manager writes records to the first tier that accepts them in time.
type Manager struct {
	bindings     []Binding
	queue        *EmergencyQueue
	safetyMargin time.Duration
	root         string
	logger       *zap.Logger
	now          func() time.Time
}

// NewManager creates a manager trying bindings in order.
func NewManager(cfg config.Storage, queue *EmergencyQueue, logger *zap.Logger, bindings ...Binding) *Manager {
	root := cfg.Firebase.Root
	if root == "" {
		root = "chartink"
	}
	return &Manager{
		bindings:     bindings,
		queue:        queue,
		safetyMargin: cfg.SafetyMargin,
		root:         root,
		logger:       logger.Named("storage"),
		now:          time.Now,
	}
}

// Queue returns the emergency queue.
func (m *Manager) Queue() *EmergencyQueue {
	return m.queue
}

// Tiers returns the tier names in priority order.
func (m *Manager) Tiers() []string {
	names := make([]string, len(m.bindings))
	for i, b := range m.bindings {
		names[i] = b.Tier.Name()
	}
	return names
}

// phaseDeadline is when a tier phase must end: its cap from now, moved
// earlier so the attempt finishes safetyMargin before deadline. ok is false
// when no time is left.
func (m *Manager) phaseDeadline(deadline time.Time, limit time.Duration) (end time.Time, ok bool) {
	now := m.now()
	end = deadline.Add(-m.safetyMargin)
	if limit > 0 && now.Add(limit).Before(end) {
		end = now.Add(limit)
	}
	return end, end.After(now)
}

// Store tries each tier once, in order, and falls back to the emergency
// queue when none succeeds. The returned error is non-nil exactly when the
// record only reached the queue; the Result is always complete.
func (m *Manager) Store(ctx context.Context, record *models.StorageRecord, deadline time.Time) (Result, error) {
	start := m.now()
	path := record.Path(m.root)
	result := Result{Path: path, Attempts: make([]TierAttempt, 0, len(m.bindings))}
	logger := m.logger.With(zap.String("record_id", record.Metadata.ID))

	var errs []error
	for _, b := range m.bindings {
		name := b.Tier.Name()
		attempt, err := m.attempt(ctx, b, path, record, deadline)
		result.Attempts = append(result.Attempts, attempt)

		if err == nil {
			metrics.StorageWrites.WithLabelValues(name, "ok").Inc()
			result.Success = true
			result.Tier = name
			result.ElapsedMs = m.now().Sub(start).Milliseconds()
			logger.Info("Record stored", zap.String("tier", name), zap.String("path", path))
			return result, nil
		}

		label := "error"
		switch {
		case attempt.Skipped:
			label = "skipped"
		case attempt.TimedOut:
			label = "timeout"
		}
		metrics.StorageWrites.WithLabelValues(name, label).Inc()
		logger.Warn("Storage tier failed, falling back", zap.String("tier", name), zap.Error(err))
		errs = append(errs, err)
	}

	result.Tier = EmergencyTier
	result.QueueSize = m.queue.Push(record)
	result.ElapsedMs = m.now().Sub(start).Milliseconds()
	metrics.StorageWrites.WithLabelValues(EmergencyTier, "queued").Inc()
	logger.Error("All storage tiers failed, record held in emergency queue", zap.Int("queue_size", result.QueueSize))

	return result, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(errs...))
}

func (m *Manager) attempt(ctx context.Context, b Binding, path string, record *models.StorageRecord, deadline time.Time) (TierAttempt, error) {
	name := b.Tier.Name()
	started := m.now()
	attempt := TierAttempt{Tier: name}
	done := func(phase string, err error) (TierAttempt, error) {
		attempt.Phase = phase
		attempt.ElapsedMs = m.now().Sub(started).Milliseconds()
		if err != nil {
			attempt.Error = err.Error()
			attempt.Skipped = errors.Is(err, ErrNoBudget)
			attempt.TimedOut = errors.Is(err, ErrTierTimeout)
			return attempt, err
		}
		attempt.Success = true
		return attempt, nil
	}

	end, ok := m.phaseDeadline(deadline, b.InitTimeout)
	if !ok {
		return done(phaseInit, &TierError{Tier: name, Phase: phaseInit, Err: ErrNoBudget})
	}
	if err := m.race(ctx, end, name, phaseInit, record.Metadata.ID, b.Tier.Initialize); err != nil {
		return done(phaseInit, err)
	}

	end, ok = m.phaseDeadline(deadline, b.WriteTimeout)
	if !ok {
		return done(phaseWrite, &TierError{Tier: name, Phase: phaseWrite, Err: ErrNoBudget})
	}
	err := m.race(ctx, end, name, phaseWrite, record.Metadata.ID, func(ctx context.Context) error {
		return b.Tier.Write(ctx, path, record)
	})
	return done(phaseWrite, err)
}

// race runs fn until end. When the timer wins, fn's eventual result is
// discarded; a write that still lands is logged and counted as late so the
// duplicate can be collapsed by record id downstream.
func (m *Manager) race(parent context.Context, end time.Time, tier, phase, recordID string, fn func(ctx context.Context) error) error {
	started := m.now()
	ctx, cancel := context.WithDeadline(parent, end)
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- fn(ctx)
	}()

	select {
	case err := <-resultCh:
		cancel()
		if err != nil {
			return &TierError{Tier: tier, Phase: phase, Err: err}
		}
		return nil
	case <-ctx.Done():
		go func() {
			defer cancel()
			if err := <-resultCh; err == nil && phase == phaseWrite {
				metrics.StorageLateWrites.WithLabelValues(tier).Inc()
				m.logger.Warn("Late write landed after fallback",
					zap.String("tier", tier),
					zap.String("record_id", recordID),
				)
			}
		}()
		cause := ErrTierTimeout
		if parent.Err() != nil {
			cause = parent.Err()
		}
		return &TierError{Tier: tier, Phase: phase, Err: fmt.Errorf("%w after %s", cause, m.now().Sub(started).Round(time.Millisecond))}
	}
}

// ReadDate returns the records of one date from the first readable tier,
// merged with matching emergency queue entries. source names the tier read.
func (m *Manager) ReadDate(ctx context.Context, date string) (records []*models.StorageRecord, source string, err error) {
	var errs []error
	source = EmergencyTier
	for _, b := range m.bindings {
		reader, ok := b.Tier.(Reader)
		if !ok {
			continue
		}
		if err := m.initialize(ctx, b); err != nil {
			errs = append(errs, err)
			continue
		}
		recs, err := reader.ReadDate(ctx, date)
		if err != nil {
			errs = append(errs, &TierError{Tier: b.Tier.Name(), Phase: "read", Err: err})
			continue
		}
		records, source, errs = recs, b.Tier.Name(), nil
		break
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.Metadata.ID] = true
	}
	for _, r := range m.queue.ReadDate(date) {
		if !seen[r.Metadata.ID] {
			records = append(records, r)
		}
	}
	return records, source, errors.Join(errs...)
}

// Dates lists stored date directories from the first tier that can.
func (m *Manager) Dates(ctx context.Context) ([]string, error) {
	var errs []error
	for _, b := range m.bindings {
		lister, ok := b.Tier.(DateLister)
		if !ok {
			continue
		}
		if err := m.initialize(ctx, b); err != nil {
			errs = append(errs, err)
			continue
		}
		dates, err := lister.Dates(ctx)
		if err == nil {
			return dates, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) initialize(ctx context.Context, b Binding) error {
	if b.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.InitTimeout)
		defer cancel()
	}
	if err := b.Tier.Initialize(ctx); err != nil {
		return &TierError{Tier: b.Tier.Name(), Phase: phaseInit, Err: err}
	}
	return nil
}

// ProbeResult is the connectivity of one tier.
type ProbeResult struct {
	Tier      string `json:"tier"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// Prober is implemented by tiers with an active connectivity check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Probe initializes every tier, and probes those that support it, each
// under its init timeout.
func (m *Manager) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, 0, len(m.bindings))
	for _, b := range m.bindings {
		start := m.now()
		res := ProbeResult{Tier: b.Tier.Name()}

		err := m.initialize(ctx, b)
		if err == nil {
			if p, ok := b.Tier.(Prober); ok {
				err = m.probe(ctx, b, p)
			}
		}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Connected = true
		}
		res.ElapsedMs = m.now().Sub(start).Milliseconds()
		results = append(results, res)
	}
	return results
}

func (m *Manager) probe(ctx context.Context, b Binding, p Prober) error {
	if b.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.InitTimeout)
		defer cancel()
	}
	if err := p.Probe(ctx); err != nil {
		return &TierError{Tier: b.Tier.Name(), Phase: "probe", Err: err}
	}
	return nil
}
