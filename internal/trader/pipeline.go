package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/metrics"
	"chartink-webhook-go/internal/models"
	"chartink-webhook-go/internal/shoonya"
	"chartink-webhook-go/internal/signal"
	"go.uber.org/zap"
)

// OutcomeStatus classifies what happened to one stock.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusSkipped OutcomeStatus = "skipped"
	StatusFailed  OutcomeStatus = "failed"
)

// Skip and failure reasons reported for a stock.
const (
	ReasonNoExpiry         = "no expiry"
	ReasonNoContract       = "no contract"
	ReasonNoCandleData     = "no candle data"
	ReasonDeadlineExceeded = "deadline exceeded"
)

// StockOutcome is the result of processing one stock of an alert.
type StockOutcome struct {
	Stock        string                `json:"stock"`
	Status       OutcomeStatus         `json:"status"`
	Reason       string                `json:"reason,omitempty"`
	TriggerPrice float64               `json:"triggerPrice"`
	OrderID      string                `json:"orderId,omitempty"`
	Order        *shoonya.BracketOrder `json:"order,omitempty"`
}

// AccountResult is one account's pipeline run. Outcomes are in alert order
// and every stock of the alert is accounted for once the run starts trading.
type AccountResult struct {
	Account          string         `json:"account"`
	Signal           string         `json:"signal"`
	Success          bool           `json:"success"`
	Error            string         `json:"error,omitempty"`
	DeadlineExceeded bool           `json:"deadlineExceeded,omitempty"`
	Outcomes         []StockOutcome `json:"outcomes"`
	ElapsedMs        int64          `json:"elapsedMs"`
}

// Degraded reports whether any part of the run did not succeed.
func (r AccountResult) Degraded() bool {
	if r.Error != "" || r.DeadlineExceeded {
		return true
	}
	for _, o := range r.Outcomes {
		if o.Status != StatusSuccess {
			return true
		}
	}
	return false
}

// Pipeline turns an alert into bracket orders for one account at a time.
type Pipeline struct {
	logger     *zap.Logger
	cfg        config.Trading
	newSession BrokerFactory
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPipeline creates a Pipeline that opens sessions through factory.
func NewPipeline(cfg config.Trading, factory BrokerFactory, logger *zap.Logger) *Pipeline {
	if cfg.BracketPct <= 0 {
		cfg.BracketPct = shoonya.DefaultBracketPct
	}
	if cfg.CandleWindowMinutes <= 0 {
		cfg.CandleWindowMinutes = 1
	}
	return &Pipeline{
		logger:     logger.Named("pipeline"),
		cfg:        cfg,
		newSession: factory,
		sleep:      sleepContext,
	}
}

// Run logs in and processes the alert's stocks strictly in order. A None
// signal is a no-op. A login failure ends only this account's run. Per-stock
// failures are recorded and never stop the batch; when ctx ends, the
// remaining stocks are recorded as deadline exceeded and the run is marked
// DeadlineExceeded, including when ctx ends during the last stock.
func (p *Pipeline) Run(ctx context.Context, account config.Account, alert *models.Alert, sig signal.Signal) AccountResult {
	start := time.Now()
	result := AccountResult{
		Account:  account.Label(),
		Signal:   sig.String(),
		Outcomes: []StockOutcome{},
	}

	if sig == signal.None {
		return p.finish(result, start)
	}

	logger := p.logger.With(zap.String("account", result.Account), zap.String("signal", result.Signal))
	broker := p.newSession(account)

	if err := broker.Login(ctx); err != nil {
		result.Error = err.Error()
		result.DeadlineExceeded = isDeadline(ctx, err)
		metrics.OrdersTotal.WithLabelValues(result.Account, "login_failed").Inc()
		logger.Error("Account skipped after login failure", zap.Error(err))
		return p.finish(result, start)
	}

	for i, stock := range alert.Stocks {
		if ctx.Err() != nil {
			result.DeadlineExceeded = true
			result.Outcomes = append(result.Outcomes, p.abandon(alert, i)...)
			break
		}

		outcome := p.processStock(ctx, broker, sig, stock, alert.PriceFor(i))
		result.Outcomes = append(result.Outcomes, outcome)
		metrics.OrdersTotal.WithLabelValues(result.Account, string(outcome.Status)).Inc()
		logger.Info("Stock processed",
			zap.String("stock", stock),
			zap.String("status", string(outcome.Status)),
			zap.String("reason", outcome.Reason),
			zap.String("order_id", outcome.OrderID),
		)

		if ctx.Err() != nil || outcome.Reason == ReasonDeadlineExceeded {
			result.DeadlineExceeded = true
			result.Outcomes = append(result.Outcomes, p.abandon(alert, i+1)...)
			break
		}

		if i < len(alert.Stocks)-1 {
			if err := p.sleep(ctx, p.cfg.InterStockDelay); err != nil {
				result.DeadlineExceeded = true
				result.Outcomes = append(result.Outcomes, p.abandon(alert, i+1)...)
				break
			}
		}
	}

	return p.finish(result, start)
}

func (p *Pipeline) finish(result AccountResult, start time.Time) AccountResult {
	result.ElapsedMs = time.Since(start).Milliseconds()
	for _, o := range result.Outcomes {
		if o.Status == StatusSuccess {
			result.Success = true
			break
		}
	}
	return result
}

// abandon records every stock from index from onward as deadline exceeded.
func (p *Pipeline) abandon(alert *models.Alert, from int) []StockOutcome {
	out := make([]StockOutcome, 0, len(alert.Stocks)-from)
	for i := from; i < len(alert.Stocks); i++ {
		out = append(out, StockOutcome{
			Stock:        alert.Stocks[i],
			Status:       StatusFailed,
			Reason:       ReasonDeadlineExceeded,
			TriggerPrice: alert.PriceFor(i),
		})
	}
	return out
}

func (p *Pipeline) processStock(ctx context.Context, broker Broker, sig signal.Signal, stock string, triggerPrice float64) StockOutcome {
	outcome := StockOutcome{Stock: stock, TriggerPrice: triggerPrice}
	fail := func(step string, err error) StockOutcome {
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Sprintf("%s: %v", step, err)
		if isDeadline(ctx, err) {
			outcome.Reason = ReasonDeadlineExceeded
		}
		return outcome
	}
	skip := func(reason string) StockOutcome {
		outcome.Status = StatusSkipped
		outcome.Reason = reason
		return outcome
	}

	future, err := broker.ResolveFutureExpiry(ctx, stock)
	if errors.Is(err, shoonya.ErrInstrumentNotFound) {
		return skip(ReasonNoExpiry)
	}
	if err != nil {
		return fail("resolve expiry", err)
	}

	quote, err := broker.GetQuote(ctx, future.Exchange, future.Token)
	if err != nil {
		return fail("quote", err)
	}

	contract, err := broker.SelectOptionContract(ctx, stock, future, quote.LastPrice, sig.OptionType())
	if errors.Is(err, shoonya.ErrNoContract) {
		return skip(ReasonNoContract)
	}
	if err != nil {
		return fail("option chain", err)
	}

	candle, err := broker.GetLatestCandle(ctx, contract.Exchange, contract.Token, p.cfg.CandleWindowMinutes)
	if errors.Is(err, shoonya.ErrNoCandleData) {
		return skip(ReasonNoCandleData)
	}
	if err != nil {
		return fail("candle", err)
	}

	order, err := shoonya.NewBracketOrder(contract, candle, p.cfg.BracketPct)
	if err != nil {
		return fail("build order", err)
	}
	outcome.Order = &order

	orderID, err := broker.SubmitOrder(ctx, order)
	var rejected *shoonya.OrderRejectedError
	if errors.As(err, &rejected) {
		outcome.Status = StatusFailed
		outcome.Reason = rejected.Message
		return outcome
	}
	if err != nil {
		return fail("submit order", err)
	}

	outcome.Status = StatusSuccess
	outcome.OrderID = orderID
	return outcome
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
