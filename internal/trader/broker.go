package trader

import (
	"context"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/shoonya"
	"go.uber.org/zap"
)

// Broker is the per-account session the pipeline drives. A Broker is used
// by exactly one pipeline run and is never shared.
type Broker interface {
	Login(ctx context.Context) error
	ResolveFutureExpiry(ctx context.Context, underlying string) (*shoonya.Instrument, error)
	GetQuote(ctx context.Context, exchange, token string) (*shoonya.Quote, error)
	SelectOptionContract(ctx context.Context, underlying string, future *shoonya.Instrument, lastPrice float64, optionType string) (*shoonya.Instrument, error)
	GetLatestCandle(ctx context.Context, exchange, token string, windowMinutes int) (*shoonya.Candle, error)
	SubmitOrder(ctx context.Context, order shoonya.BracketOrder) (string, error)
}

// Ensure shoonya.Session implements the Broker interface.
var _ Broker = (*shoonya.Session)(nil)

// BrokerFactory opens a fresh, unauthenticated session for an account.
type BrokerFactory func(account config.Account) Broker

// NewShoonyaFactory returns a BrokerFactory whose sessions share client, and
// with it the client's rate limiter.
func NewShoonyaFactory(client *shoonya.RestClient, cfg config.Trading, logger *zap.Logger) BrokerFactory {
	opts := shoonya.SessionOptionsFromConfig(cfg)
	return func(account config.Account) Broker {
		return shoonya.NewSession(client, account, opts, logger)
	}
}
