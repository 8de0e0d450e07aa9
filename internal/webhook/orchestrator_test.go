package webhook

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/models"
	"chartink-webhook-go/internal/shoonya"
	"chartink-webhook-go/internal/signal"
	"chartink-webhook-go/internal/storage"
	"chartink-webhook-go/internal/trader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRunner is a mock implementation of the AccountRunner interface.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, account config.Account, alert *models.Alert, sig signal.Signal) trader.AccountResult {
	args := m.Called(ctx, account, alert, sig)
	return args.Get(0).(trader.AccountResult)
}

// MockStore is a mock implementation of the RecordStore interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Store(ctx context.Context, record *models.StorageRecord, deadline time.Time) (storage.Result, error) {
	args := m.Called(ctx, record, deadline)
	return args.Get(0).(storage.Result), args.Error(1)
}

var (
	validAccount   = config.Account{Name: "primary", UserID: "FA0001", Password: "p", TOTPKey: "JBSWY3DPEHPK3PXP"}
	invalidAccount = config.Account{Name: "incomplete", UserID: "FA0002"}
)

func testWebhookConfig() config.Webhook {
	return config.Webhook{
		Deadline:       10 * time.Second,
		MaxBodyBytes:   10 * 1024,
		StorageReserve: 4 * time.Second,
		WarningRatio:   0.8,
		Source:         "chartink",
	}
}

func testSignals() config.Signals {
	return config.Signals{CallPrefixes: []string{"CE-23.1"}, PutPrefixes: []string{"PE-23.2"}}
}

func newOrchestrator(runner AccountRunner, store RecordStore, accounts ...config.Account) *Orchestrator {
	return NewOrchestrator(testWebhookConfig(), accounts, signal.NewEvaluator(testSignals()), runner, store, zap.NewNop())
}

func mustAlert(t *testing.T, body string, receivedAt time.Time) *models.Alert {
	t.Helper()
	alert, err := models.ParseAlert([]byte(body), receivedAt)
	require.NoError(t, err)
	return alert
}

func storedOK(tier string) storage.Result {
	return storage.Result{Success: true, Tier: tier, ElapsedMs: 12}
}

func TestOrchestrator_NoSignalSkipsOrders(t *testing.T) {
	// Arrange
	runner, store := &MockRunner{}, &MockStore{}
	o := newOrchestrator(runner, store, validAccount)
	alert := mustAlert(t, `{"alert_name":"Volume spike","stocks":"INFY"}`, time.Now())

	store.On("Store", mock.Anything, mock.AnythingOfType("*models.StorageRecord"), alert.ReceivedAt.Add(10*time.Second)).
		Return(storedOK("firebase"), nil).Once()

	// Act
	resp := o.Process(context.Background(), alert, "1.2.3.4")

	// Assert
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	store.AssertExpectations(t)
	assert.True(t, resp.Success)
	assert.Equal(t, "none", resp.Signal)
	assert.Empty(t, resp.Orders)
	assert.Equal(t, "firebase", resp.Storage.Tier)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Empty(t, resp.Warning)
}

func TestOrchestrator_RunsEligibleAccountsWithinReserve(t *testing.T) {
	runner, store := &MockRunner{}, &MockStore{}
	o := newOrchestrator(runner, store, invalidAccount, validAccount)
	alert := mustAlert(t, `{"alert_name":"CE-23.1 Breakout","stocks":"INFY","trigger_prices":"1670"}`, time.Now())

	var ordersDeadline time.Time
	runner.On("Run", mock.Anything, validAccount, alert, signal.CallBuy).
		Run(func(args mock.Arguments) {
			ordersDeadline, _ = args.Get(0).(context.Context).Deadline()
		}).
		Return(trader.AccountResult{
			Account:  "primary",
			Signal:   "call_buy",
			Success:  true,
			Outcomes: []trader.StockOutcome{{Stock: "INFY", Status: trader.StatusSuccess, OrderID: "1"}},
		}).Once()
	var stored *models.StorageRecord
	store.On("Store", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(1).(*models.StorageRecord) }).
		Return(storedOK("supabase"), nil)

	resp := o.Process(context.Background(), alert, "1.2.3.4")

	runner.AssertExpectations(t)
	require.Len(t, resp.Orders, 1)
	assert.Equal(t, "primary", resp.Orders[0].Account)
	assert.Equal(t, alert.ReceivedAt.Add(6*time.Second), ordersDeadline, "orders leave the storage reserve untouched")
	assert.True(t, resp.Success)
	assert.Equal(t, "call_buy", resp.Signal)

	require.NotNil(t, stored)
	assert.Equal(t, resp.ID, stored.Metadata.ID)
	assert.Equal(t, "1.2.3.4", stored.Metadata.SourceIP)
	assert.Equal(t, "chartink", stored.Metadata.Source)
	assert.Equal(t, models.DateDirectory(alert.ReceivedAt), resp.DateDirectory)
}

func TestOrchestrator_CancelledRequestStillStores(t *testing.T) {
	runner, store := &MockRunner{}, &MockStore{}
	o := newOrchestrator(runner, store, validAccount)
	alert := mustAlert(t, `{"alert_name":"PE-23.2 X","stocks":"INFY"}`, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner.On("Run", mock.Anything, validAccount, alert, signal.PutBuy).
		Run(func(args mock.Arguments) {
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(trader.AccountResult{Account: "primary", Success: true}).Once()
	store.On("Store", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			assert.NoError(t, args.Get(0).(context.Context).Err())
		}).
		Return(storedOK("sqlite"), nil).Once()

	resp := o.Process(ctx, alert, "")
	assert.True(t, resp.Success)
	store.AssertExpectations(t)
}

func TestOrchestrator_DegradedResults(t *testing.T) {
	tests := []struct {
		name       string
		order      trader.AccountResult
		stored     storage.Result
		storeErr   error
		wantStatus int
	}{
		{
			name:       "stock failed",
			order:      trader.AccountResult{Account: "primary", Success: true, Outcomes: []trader.StockOutcome{{Stock: "A", Status: trader.StatusSuccess}, {Stock: "B", Status: trader.StatusFailed, Reason: "RED:Margin Shortfall"}}},
			stored:     storedOK("firebase"),
			wantStatus: http.StatusMultiStatus,
		},
		{
			name:       "login failed",
			order:      trader.AccountResult{Account: "primary", Error: "login failed"},
			stored:     storedOK("firebase"),
			wantStatus: http.StatusMultiStatus,
		},
		{
			name:       "storage only in emergency queue",
			order:      trader.AccountResult{Account: "primary", Success: true, Outcomes: []trader.StockOutcome{{Stock: "A", Status: trader.StatusSuccess}}},
			stored:     storage.Result{Tier: storage.EmergencyTier, QueueSize: 1},
			storeErr:   storage.ErrAllTiersFailed,
			wantStatus: http.StatusMultiStatus,
		},
		{
			name:       "orders hit the deadline",
			order:      trader.AccountResult{Account: "primary", DeadlineExceeded: true, Outcomes: []trader.StockOutcome{{Stock: "A", Status: trader.StatusFailed, Reason: trader.ReasonDeadlineExceeded}}},
			stored:     storedOK("firebase"),
			wantStatus: http.StatusGatewayTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, store := &MockRunner{}, &MockStore{}
			o := newOrchestrator(runner, store, validAccount)
			alert := mustAlert(t, `{"alert_name":"CE-23.1 X","stocks":"A,B"}`, time.Now())

			runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tt.order)
			store.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(tt.stored, tt.storeErr)

			resp := o.Process(context.Background(), alert, "")

			assert.Equal(t, tt.wantStatus, resp.StatusCode())
			assert.False(t, resp.Success)
			assert.Equal(t, tt.stored.Tier, resp.Storage.Tier, "the response always names the tier holding the record")
		})
	}
}

func TestOrchestrator_NoEligibleAccounts(t *testing.T) {
	runner, store := &MockRunner{}, &MockStore{}
	o := newOrchestrator(runner, store, invalidAccount)
	alert := mustAlert(t, `{"alert_name":"CE-23.1 X","stocks":"INFY"}`, time.Now())
	store.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(storedOK("firebase"), nil)

	resp := o.Process(context.Background(), alert, "")

	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, resp.Orders)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Len(t, o.EligibleAccounts(), 0)
}

func TestOrchestrator_TimingWarningAndDeadline(t *testing.T) {
	received := time.Date(2025, 12, 9, 11, 7, 0, 0, time.UTC)

	t.Run("warning past the ratio", func(t *testing.T) {
		store := &MockStore{}
		o := newOrchestrator(&MockRunner{}, store)
		o.now = func() time.Time { return received.Add(8500 * time.Millisecond) }
		store.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(storedOK("firebase"), nil)

		resp := o.Process(context.Background(), mustAlert(t, `{"stocks":"INFY"}`, received), "")

		assert.Equal(t, HighProcessingWarning, resp.Warning)
		assert.Equal(t, int64(8500), resp.Timing.Total)
		assert.Equal(t, int64(1500), resp.Timing.Remaining)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
	})

	t.Run("past the deadline", func(t *testing.T) {
		store := &MockStore{}
		o := newOrchestrator(&MockRunner{}, store)
		o.now = func() time.Time { return received.Add(11 * time.Second) }
		store.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(storedOK("firebase"), nil)

		resp := o.Process(context.Background(), mustAlert(t, `{"stocks":"INFY"}`, received), "")

		assert.True(t, resp.DeadlineExceeded)
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode())
	})
}

// stalledBroker logs in and then blocks on the first lookup until ctx ends.
type stalledBroker struct{}

func (stalledBroker) Login(context.Context) error { return nil }

func (stalledBroker) ResolveFutureExpiry(ctx context.Context, _ string) (*shoonya.Instrument, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledBroker) GetQuote(context.Context, string, string) (*shoonya.Quote, error) {
	return nil, errors.New("unexpected call")
}

func (stalledBroker) SelectOptionContract(context.Context, string, *shoonya.Instrument, float64, string) (*shoonya.Instrument, error) {
	return nil, errors.New("unexpected call")
}

func (stalledBroker) GetLatestCandle(context.Context, string, string, int) (*shoonya.Candle, error) {
	return nil, errors.New("unexpected call")
}

func (stalledBroker) SubmitOrder(context.Context, shoonya.BracketOrder) (string, error) {
	return "", errors.New("unexpected call")
}

func TestOrchestrator_SingleStockTimeoutIs504(t *testing.T) {
	cfg := testWebhookConfig()
	cfg.Deadline = 300 * time.Millisecond
	cfg.StorageReserve = 200 * time.Millisecond
	pipeline := trader.NewPipeline(config.Trading{BracketPct: 0.10}, func(config.Account) trader.Broker { return stalledBroker{} }, zap.NewNop())
	store := &MockStore{}
	store.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(storedOK("firebase"), nil).Once()
	o := NewOrchestrator(cfg, []config.Account{validAccount}, signal.NewEvaluator(testSignals()), pipeline, store, zap.NewNop())

	resp := o.Process(context.Background(), mustAlert(t, `{"alert_name":"CE-23.1 X","stocks":"INFY"}`, time.Now()), "")

	require.Len(t, resp.Orders, 1)
	assert.True(t, resp.Orders[0].DeadlineExceeded)
	assert.Equal(t, trader.ReasonDeadlineExceeded, resp.Orders[0].Outcomes[0].Reason)
	assert.True(t, resp.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode())
	store.AssertExpectations(t)
}

func TestOrchestrator_StorageErrorIsData(t *testing.T) {
	store := &MockStore{}
	o := newOrchestrator(&MockRunner{}, store)
	store.On("Store", mock.Anything, mock.Anything, mock.Anything).
		Return(storage.Result{Tier: storage.EmergencyTier}, errors.Join(storage.ErrAllTiersFailed, errors.New("boom")))

	resp := o.Process(context.Background(), mustAlert(t, `{"stocks":"INFY"}`, time.Now()), "")

	assert.False(t, resp.Success)
	assert.Equal(t, storage.EmergencyTier, resp.Storage.Tier)
}
