// Package signal derives the trade direction from an alert's name.
package signal

import (
	"strings"

	"chartink-webhook-go/internal/config"
)

// Signal is the directional instruction carried by an alert.
type Signal int

const (
	None Signal = iota
	CallBuy
	PutBuy
)

func (s Signal) String() string {
	switch s {
	case CallBuy:
		return "call_buy"
	case PutBuy:
		return "put_buy"
	default:
		return "none"
	}
}

// OptionType is the option chain type ("CE"/"PE") to buy for the signal.
func (s Signal) OptionType() string {
	switch s {
	case CallBuy:
		return "CE"
	case PutBuy:
		return "PE"
	default:
		return ""
	}
}

// Evaluator matches alert names against configured prefixes. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	callPrefixes []string
	putPrefixes  []string
}

// NewEvaluator creates an Evaluator from the configured naming conventions.
func NewEvaluator(cfg config.Signals) *Evaluator {
	return &Evaluator{
		callPrefixes: cleanPrefixes(cfg.CallPrefixes),
		putPrefixes:  cleanPrefixes(cfg.PutPrefixes),
	}
}

// Evaluate returns the signal for alertName. Call prefixes are checked first.
func (e *Evaluator) Evaluate(alertName string) Signal {
	name := strings.TrimSpace(alertName)
	if hasAnyPrefix(name, e.callPrefixes) {
		return CallBuy
	}
	if hasAnyPrefix(name, e.putPrefixes) {
		return PutBuy
	}
	return None
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func cleanPrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		// An empty prefix would match every alert.
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
