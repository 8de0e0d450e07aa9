package shoonya

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"chartink-webhook-go/internal/config"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

// State is the authentication state of a Session.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

// TOTPFunc computes the one-time code for a base32 seed at time t.
type TOTPFunc func(secret string, t time.Time) (string, error)

const expiryLayout = "02-Jan-2006"

// Instrument is a tradable contract resolved for one pipeline run.
type Instrument struct {
	Exchange      string    `json:"exchange"`
	TradingSymbol string    `json:"tradingsymbol"`
	Token         string    `json:"token"`
	LotSize       int       `json:"lot_size"`
	OptionType    string    `json:"option_type,omitempty"`
	Expiry        time.Time `json:"-"`
}

// Quote is the subset of GetQuotes the pipeline uses.
type Quote struct {
	TradingSymbol string
	LastPrice     float64
}

// SessionOptions are the per-run trading knobs a Session needs.
type SessionOptions struct {
	Exchange         string
	OptionChainCount int
	StrikeSteps      map[string]float64
	CandlePolicy     CandlePolicy
}

// SessionOptionsFromConfig builds SessionOptions from the trading config.
func SessionOptionsFromConfig(cfg config.Trading) SessionOptions {
	steps := make(map[string]float64, len(cfg.StrikeSteps))
	for k, v := range cfg.StrikeSteps {
		// viper lower-cases map keys.
		steps[strings.ToUpper(k)] = v
	}
	return SessionOptions{
		Exchange:         cfg.Exchange,
		OptionChainCount: cfg.OptionChainCount,
		StrikeSteps:      steps,
		CandlePolicy: CandlePolicy{
			MaxAttempts:            2,
			EscalatedWindowMinutes: cfg.CandleEscalatedWindowMinutes,
		},
	}
}

// Session is a stateful broker client for one account and one webhook
// delivery. Its session token is never shared with another Session.
type Session struct {
	client  *RestClient
	account config.Account
	opts    SessionOptions
	logger  *zap.Logger

	totp TOTPFunc
	now  func() time.Time

	state     State
	token     string
	accountID string
}

// NewSession creates an unauthenticated session on client.
func NewSession(client *RestClient, account config.Account, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.Exchange == "" {
		opts.Exchange = "NFO"
	}
	if opts.OptionChainCount <= 0 {
		opts.OptionChainCount = 1
	}
	return &Session{
		client:  client,
		account: account,
		opts:    opts,
		logger:  logger.With(zap.String("account", account.Label())),
		totp:    totp.GenerateCode,
		now:     time.Now,
		state:   Unauthenticated,
	}
}

// State returns the current authentication state.
func (s *Session) State() State {
	return s.state
}

type loginResponse struct {
	SUserToken string `json:"susertoken"`
	ActID      string `json:"actid"`
}

// Login authenticates with a TOTP computed at call time. Any failure moves
// the session to Failed and is returned as a *LoginError.
func (s *Session) Login(ctx context.Context) error {
	s.state = Authenticating

	fail := func(err error) error {
		s.state = Failed
		s.logger.Error("Login failed", zap.Error(err))
		return &LoginError{Account: s.account.Label(), Err: err}
	}

	code, err := s.totp(s.account.TOTPKey, s.now())
	if err != nil {
		return fail(fmt.Errorf("failed to generate TOTP: %w", err))
	}

	values := map[string]string{
		"source":     "API",
		"apkversion": "go:1.0.0",
		"uid":        s.account.UserID,
		"pwd":        sha256Hex(s.account.Password),
		"factor2":    code,
		"vc":         s.account.VendorCode,
		"appkey":     sha256Hex(s.account.UserID + "|" + s.account.APISecret),
		"imei":       s.account.IMEI,
	}

	var resp loginResponse
	if err := s.client.call(ctx, RouteAuthorize, "", values, false, &resp); err != nil {
		return fail(err)
	}
	if resp.SUserToken == "" {
		return fail(errors.New("response carried no session token"))
	}

	s.token = resp.SUserToken
	s.accountID = resp.ActID
	if s.accountID == "" {
		s.accountID = s.account.UserID
	}
	s.state = Authenticated
	s.logger.Info("Login successful")
	return nil
}

func (s *Session) requireAuth() error {
	if s.state != Authenticated {
		return fmt.Errorf("%w (state %s)", ErrNotAuthenticated, s.state)
	}
	return nil
}

type scrip struct {
	Exch     string    `json:"exch"`
	Token    string    `json:"token"`
	TSym     string    `json:"tsym"`
	Optt     string    `json:"optt"`
	LotSize  flexFloat `json:"ls"`
	Exd      string    `json:"exd"`
	Instname string    `json:"instname"`
}

func (sc scrip) instrument(defaultExchange string) *Instrument {
	exch := sc.Exch
	if exch == "" {
		exch = defaultExchange
	}
	inst := &Instrument{
		Exchange:      exch,
		TradingSymbol: sc.TSym,
		Token:         sc.Token,
		LotSize:       int(sc.LotSize),
		OptionType:    sc.Optt,
	}
	if t, err := time.Parse(expiryLayout, sc.Exd); err == nil {
		inst.Expiry = t
	}
	return inst
}

type scripList struct {
	Values []scrip `json:"values"`
}

// ResolveFutureExpiry finds the nearest-month futures contract for
// underlying. It returns ErrInstrumentNotFound when the search matches nothing.
func (s *Session) ResolveFutureExpiry(ctx context.Context, underlying string) (*Instrument, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	month := strings.ToUpper(s.now().Format("Jan"))
	values := map[string]string{
		"uid":   s.account.UserID,
		"exch":  s.opts.Exchange,
		"stext": fmt.Sprintf("%s %s FUT", underlying, month),
	}

	var resp scripList
	err := s.client.call(ctx, RouteSearchScrip, s.token, values, true, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// Noren answers an empty search with stat=Not_Ok.
		return nil, fmt.Errorf("%s: %w: %s", underlying, ErrInstrumentNotFound, apiErr.Message)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 0 {
		return nil, fmt.Errorf("%s: %w", underlying, ErrInstrumentNotFound)
	}

	candidates := make([]*Instrument, 0, len(resp.Values))
	for _, v := range resp.Values {
		candidates = append(candidates, v.instrument(s.opts.Exchange))
	}
	// Earliest expiry first; contracts without a parseable expiry keep their
	// search order after dated ones.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Expiry, candidates[j].Expiry
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.Before(b)
	})
	return candidates[0], nil
}

type quoteResponse struct {
	TSym string    `json:"tsym"`
	LP   flexFloat `json:"lp"`
}

// GetQuote fetches the last traded price of a contract.
func (s *Session) GetQuote(ctx context.Context, exchange, token string) (*Quote, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	values := map[string]string{
		"uid":   s.account.UserID,
		"exch":  exchange,
		"token": token,
	}
	var resp quoteResponse
	if err := s.client.call(ctx, RouteGetQuotes, s.token, values, true, &resp); err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", token, err)
	}
	if resp.LP <= 0 {
		return nil, fmt.Errorf("quote for %s has no last price", token)
	}
	return &Quote{TradingSymbol: resp.TSym, LastPrice: float64(resp.LP)}, nil
}

// StrikeFor centres the option chain: index-like underlyings with a
// configured step are rounded to it, everything else uses lastPrice.
func (s *Session) StrikeFor(underlying string, lastPrice float64) float64 {
	return RoundStrike(lastPrice, s.opts.StrikeSteps[strings.ToUpper(underlying)])
}

// SelectOptionContract fetches the option chain around the future's last
// price and returns the first entry of optionType ("CE" or "PE"). It returns
// ErrNoContract when no entry matches.
func (s *Session) SelectOptionContract(ctx context.Context, underlying string, future *Instrument, lastPrice float64, optionType string) (*Instrument, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	values := map[string]string{
		"uid":    s.account.UserID,
		"tsym":   future.TradingSymbol,
		"exch":   future.Exchange,
		"strprc": formatFloat(s.StrikeFor(underlying, lastPrice)),
		"cnt":    strconv.Itoa(s.opts.OptionChainCount),
	}
	var resp scripList
	if err := s.client.call(ctx, RouteOptionChain, s.token, values, true, &resp); err != nil {
		return nil, fmt.Errorf("failed to get option chain for %s: %w", future.TradingSymbol, err)
	}

	for _, v := range resp.Values {
		if v.Optt == optionType {
			return v.instrument(future.Exchange), nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", underlying, optionType, ErrNoContract)
}

type orderResponse struct {
	OrderNo string `json:"norenordno"`
}

// SubmitOrder places a bracket order and returns the broker's order number.
// A rejection is returned as *OrderRejectedError with the broker's message.
func (s *Session) SubmitOrder(ctx context.Context, order BracketOrder) (string, error) {
	if err := s.requireAuth(); err != nil {
		return "", err
	}

	values := map[string]string{
		"ordersource": "API",
		"uid":         s.account.UserID,
		"actid":       s.accountID,
		"trantype":    order.Side,
		"prd":         order.ProductType,
		"exch":        order.Exchange,
		"tsym":        order.TradingSymbol,
		"qty":         strconv.Itoa(order.Quantity),
		"dscqty":      "0",
		"prctyp":      order.PriceType,
		"prc":         formatFloat(order.Price),
		"ret":         "DAY",
		"bpprc":       formatFloat(order.TakeProfitPrice),
		"blprc":       formatFloat(order.StopLossPrice),
	}

	var resp orderResponse
	err := s.client.call(ctx, RoutePlaceOrder, s.token, values, false, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "", &OrderRejectedError{TradingSymbol: order.TradingSymbol, Message: apiErr.Message}
	}
	if err != nil {
		return "", fmt.Errorf("failed to place order for %s: %w", order.TradingSymbol, err)
	}
	if resp.OrderNo == "" {
		return "", &OrderRejectedError{TradingSymbol: order.TradingSymbol, Message: "no order number in response"}
	}

	s.logger.Info("Order placed",
		zap.String("tradingsymbol", order.TradingSymbol),
		zap.String("order_id", resp.OrderNo),
		zap.Float64("price", order.Price),
	)
	return resp.OrderNo, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
