// Package webhook turns an inbound Chartink alert into orders and a stored
// record, both inside the hosting platform's request deadline.
package webhook

import (
	"context"
	"net/http"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/models"
	"chartink-webhook-go/internal/signal"
	"chartink-webhook-go/internal/storage"
	"chartink-webhook-go/internal/trader"
	"go.uber.org/zap"
)

// HighProcessingWarning is set on responses that used most of the deadline.
const HighProcessingWarning = "High processing time, consider optimizing"

// AccountRunner runs the order pipeline for one account.
type AccountRunner interface {
	Run(ctx context.Context, account config.Account, alert *models.Alert, sig signal.Signal) trader.AccountResult
}

// RecordStore persists one record before deadline.
type RecordStore interface {
	Store(ctx context.Context, record *models.StorageRecord, deadline time.Time) (storage.Result, error)
}

// Timing breaks down where the request's time went, in milliseconds.
type Timing struct {
	Total     int64 `json:"total"`
	Orders    int64 `json:"orders"`
	Storage   int64 `json:"storage"`
	Remaining int64 `json:"remaining"`
}

// Response is the body returned for an accepted webhook.
type Response struct {
	Success          bool                   `json:"success"`
	ID               string                 `json:"id"`
	DateDirectory    string                 `json:"dateDirectory"`
	Signal           string                 `json:"signal"`
	Storage          storage.Result         `json:"storage"`
	Orders           []trader.AccountResult `json:"orders"`
	Timing           Timing                 `json:"timing"`
	Warning          string                 `json:"warning,omitempty"`
	DeadlineExceeded bool                   `json:"deadline_exceeded,omitempty"`
}

// StatusCode maps the outcome to 200, 207 (degraded but accepted) or 504.
func (r *Response) StatusCode() int {
	switch {
	case r.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case !r.Success:
		return http.StatusMultiStatus
	default:
		return http.StatusOK
	}
}

// Orchestrator runs the order pipeline for every eligible account and then
// stores the record, sharing one deadline measured from receipt.
type Orchestrator struct {
	cfg       config.Webhook
	accounts  []config.Account
	evaluator *signal.Evaluator
	runner    AccountRunner
	store     RecordStore
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator for the configured accounts.
func NewOrchestrator(cfg config.Webhook, accounts []config.Account, evaluator *signal.Evaluator, runner AccountRunner, store RecordStore, logger *zap.Logger) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 10 * time.Second
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 0.8
	}
	if cfg.Source == "" {
		cfg.Source = "chartink"
	}
	return &Orchestrator{
		cfg:       cfg,
		accounts:  accounts,
		evaluator: evaluator,
		runner:    runner,
		store:     store,
		logger:    logger.Named("orchestrator"),
		now:       time.Now,
	}
}

// Deadline is the absolute deadline of an alert received at receivedAt.
func (o *Orchestrator) Deadline(receivedAt time.Time) time.Time {
	return receivedAt.Add(o.cfg.Deadline)
}

// EligibleAccounts returns the accounts with usable credentials.
func (o *Orchestrator) EligibleAccounts() []config.Account {
	eligible := make([]config.Account, 0, len(o.accounts))
	for _, a := range o.accounts {
		if a.Valid() {
			eligible = append(eligible, a)
		}
	}
	return eligible
}

// Process handles a parsed alert. Order and storage failures are reported
// in the Response, never returned. Neither phase is tied to ctx's
// cancellation: a caller hanging up must not abort an order or a write.
func (o *Orchestrator) Process(ctx context.Context, alert *models.Alert, sourceIP string) *Response {
	deadline := o.Deadline(alert.ReceivedAt)
	record := models.NewStorageRecord(alert, o.cfg.Source, sourceIP)
	sig := o.evaluator.Evaluate(alert.AlertName)
	logger := o.logger.With(
		zap.String("record_id", record.Metadata.ID),
		zap.String("alert_name", alert.AlertName),
		zap.String("signal", sig.String()),
	)

	resp := &Response{
		ID:            record.Metadata.ID,
		DateDirectory: record.Metadata.DateDirectory,
		Signal:        sig.String(),
		Orders:        []trader.AccountResult{},
	}
	base := context.WithoutCancel(ctx)

	ordersStart := o.now()
	if sig != signal.None {
		resp.Orders = o.runOrders(base, deadline.Add(-o.cfg.StorageReserve), alert, sig, logger)
	} else {
		logger.Info("Alert carries no trade signal, orders skipped")
	}
	resp.Timing.Orders = o.now().Sub(ordersStart).Milliseconds()

	stored, err := o.store.Store(base, record, deadline)
	if err != nil {
		logger.Error("Record not persisted to any durable tier", zap.Error(err))
	}
	resp.Storage = stored
	resp.Timing.Storage = stored.ElapsedMs

	resp.Success = stored.Success
	for _, r := range resp.Orders {
		if r.Degraded() {
			resp.Success = false
		}
		if r.DeadlineExceeded {
			resp.DeadlineExceeded = true
		}
	}

	now := o.now()
	elapsed := now.Sub(alert.ReceivedAt)
	if now.After(deadline) {
		resp.DeadlineExceeded = true
	}
	resp.Timing.Total = elapsed.Milliseconds()
	resp.Timing.Remaining = deadline.Sub(now).Milliseconds()
	if float64(elapsed) > o.cfg.WarningRatio*float64(o.cfg.Deadline) {
		resp.Warning = HighProcessingWarning
	}

	logger.Info("Webhook processed",
		zap.Bool("success", resp.Success),
		zap.String("storage_tier", stored.Tier),
		zap.Int("accounts", len(resp.Orders)),
		zap.Int64("elapsed_ms", resp.Timing.Total),
	)
	return resp
}

// runOrders runs the pipeline for each eligible account in turn until
// ordersDeadline, leaving the rest of the budget to storage.
func (o *Orchestrator) runOrders(ctx context.Context, ordersDeadline time.Time, alert *models.Alert, sig signal.Signal, logger *zap.Logger) []trader.AccountResult {
	accounts := o.EligibleAccounts()
	if len(accounts) == 0 {
		logger.Warn("No broker account with valid credentials, orders skipped")
		return []trader.AccountResult{}
	}

	ctx, cancel := context.WithDeadline(ctx, ordersDeadline)
	defer cancel()

	results := make([]trader.AccountResult, 0, len(accounts))
	for _, account := range accounts {
		results = append(results, o.runner.Run(ctx, account, alert, sig))
	}
	return results
}
