package shoonya

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const candleTimeLayout = "02-01-2006 15:04:05"

// Candle is one OHLC bar from TPSeries. Missing numeric fields are 0.
type Candle struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// CandlePolicy bounds the candle fetch: at most MaxAttempts requests per
// GetLatestCandle call, widening the window to EscalatedWindowMinutes after
// an empty result.
type CandlePolicy struct {
	MaxAttempts            int
	EscalatedWindowMinutes int
}

// DefaultCandlePolicy retries once with a 1000 minute window.
var DefaultCandlePolicy = CandlePolicy{MaxAttempts: 2, EscalatedWindowMinutes: 1000}

// Windows returns the lookback windows to request, in order, for a call
// starting at windowMinutes. A window that is already at least the
// escalated window is requested once.
func (p CandlePolicy) Windows(windowMinutes int) []int {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	windows := []int{windowMinutes}
	if p.MaxAttempts > 1 && windowMinutes < p.EscalatedWindowMinutes {
		windows = append(windows, p.EscalatedWindowMinutes)
	}
	return windows
}

type tpBar struct {
	Time   string    `json:"time"`
	SSBoe  string    `json:"ssboe"`
	Open   flexFloat `json:"into"`
	High   flexFloat `json:"inth"`
	Low    flexFloat `json:"intl"`
	Close  flexFloat `json:"intc"`
	Volume flexFloat `json:"intv"`
}

func (b tpBar) timestamp() time.Time {
	if b.SSBoe != "" {
		if sec, err := strconv.ParseInt(b.SSBoe, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if t, err := time.ParseInLocation(candleTimeLayout, b.Time, time.Local); err == nil {
		return t
	}
	return time.Time{}
}

// GetLatestCandle returns the most recent bar in [now-window, now]. An empty
// result is retried per the session's CandlePolicy; when every window is
// empty it fails with ErrNoCandleData.
func (s *Session) GetLatestCandle(ctx context.Context, exchange, token string, windowMinutes int) (*Candle, error) {
	if err := s.requireAuth(); err != nil {
		return nil, err
	}

	for i, window := range s.opts.CandlePolicy.Windows(windowMinutes) {
		bars, err := s.timePriceSeries(ctx, exchange, token, window)
		if err != nil {
			return nil, err
		}
		if len(bars) > 0 {
			return latestCandle(bars), nil
		}
		s.logger.Debug("No candle data in window",
			zap.String("token", token),
			zap.Int("window_minutes", window),
			zap.Int("attempt", i+1),
		)
	}
	return nil, fmt.Errorf("%s %s: %w", exchange, token, ErrNoCandleData)
}

func (s *Session) timePriceSeries(ctx context.Context, exchange, token string, windowMinutes int) ([]tpBar, error) {
	now := s.now()
	values := map[string]string{
		"uid":   s.account.UserID,
		"exch":  exchange,
		"token": token,
		"st":    strconv.FormatInt(now.Add(-time.Duration(windowMinutes)*time.Minute).Unix(), 10),
		"et":    strconv.FormatInt(now.Unix(), 10),
	}

	body, err := s.client.post(ctx, RouteTPSeries, s.token, values, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", token, err)
	}
	return decodeSeries(body)
}

// decodeSeries accepts the array TPSeries returns on success. An object
// response with stat Not_Ok means no bars in the window.
func decodeSeries(body []byte) ([]tpBar, error) {
	if !isJSONArray(body) {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", RouteTPSeries, err)
		}
		if env.Stat == "" {
			return nil, fmt.Errorf("%s: %w", RouteTPSeries, ErrMissingStatus)
		}
		return nil, nil
	}

	var bars []tpBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", RouteTPSeries, err)
	}
	return bars, nil
}

// latestCandle picks the bar with the greatest timestamp, falling back to the
// last element when no timestamps parse.
func latestCandle(bars []tpBar) *Candle {
	best := len(bars) - 1
	var bestTime time.Time
	for i, b := range bars {
		ts := b.timestamp()
		if ts.IsZero() {
			continue
		}
		if bestTime.IsZero() || ts.After(bestTime) {
			best, bestTime = i, ts
		}
	}

	b := bars[best]
	return &Candle{
		Open:      float64(b.Open),
		High:      float64(b.High),
		Low:       float64(b.Low),
		Close:     float64(b.Close),
		Volume:    float64(b.Volume),
		Timestamp: b.timestamp(),
	}
}
