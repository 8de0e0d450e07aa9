package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Alert is a parsed Chartink webhook delivery. It is not modified after ParseAlert.
type Alert struct {
	AlertName     string
	ScanName      string
	ScanURL       string
	Stocks        []string
	TriggerPrices []float64
	TriggeredAt   string
	ReceivedAt    time.Time

	// Raw keeps every field of the original payload, including ones not modelled above.
	Raw map[string]any
}

// ValidationError reports a payload that cannot be accepted.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid alert payload: %s: %v", e.Reason, e.Err)
	}
	return "invalid alert payload: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ParseAlert decodes a webhook body. The body must be a JSON object.
func ParseAlert(body []byte, receivedAt time.Time) (*Alert, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, &ValidationError{Reason: "empty body"}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ValidationError{Reason: "body is not a JSON object", Err: err}
	}
	if raw == nil {
		return nil, &ValidationError{Reason: "body is null"}
	}

	return &Alert{
		AlertName:     field(raw, "alert_name"),
		ScanName:      field(raw, "scan_name"),
		ScanURL:       field(raw, "scan_url"),
		Stocks:        ParseStocks(field(raw, "stocks")),
		TriggerPrices: ParsePrices(field(raw, "trigger_prices")),
		TriggeredAt:   field(raw, "triggered_at"),
		ReceivedAt:    receivedAt,
		Raw:           raw,
	}, nil
}

// PriceFor returns the trigger price paired with the i-th stock, or 0 when
// the alert carried fewer prices than stocks.
func (a *Alert) PriceFor(i int) float64 {
	if i < 0 || i >= len(a.TriggerPrices) {
		return 0
	}
	return a.TriggerPrices[i]
}

// ParseStocks splits a comma separated symbol list, trimming entries and
// dropping empty ones: "A,,B, " => [A B].
func ParseStocks(s string) []string {
	parts := strings.Split(s, ",")
	stocks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		stocks = append(stocks, p)
	}
	return stocks
}

// ParsePrices splits a comma separated price list with the same rules as
// ParseStocks. Unparseable entries become 0.
func ParsePrices(s string) []float64 {
	entries := ParseStocks(s)
	prices := make([]float64, len(entries))
	for i, e := range entries {
		v, err := strconv.ParseFloat(e, 64)
		if err != nil {
			continue
		}
		prices[i] = v
	}
	return prices
}

func field(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
