package shoonya

import (
	"fmt"
	"math"
)

// Order sides and types used for bracket entries.
const (
	SideBuy           = "B"
	ProductBracket    = "B"
	PriceTypeLimit    = "LMT"
	DefaultBracketPct = 0.10
)

// BracketOrder is a limit buy with take-profit and stop-loss legs.
// TakeProfitPrice > Price > StopLossPrice always holds for orders built by
// NewBracketOrder.
type BracketOrder struct {
	Side            string  `json:"side"`
	ProductType     string  `json:"product_type"`
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Quantity        int     `json:"quantity"`
	PriceType       string  `json:"price_type"`
	Price           float64 `json:"price"`
	TakeProfitPrice float64 `json:"bookprofit_price"`
	StopLossPrice   float64 `json:"bookloss_price"`
}

// NewBracketOrder builds a bracket order at the candle's close with legs at
// ±pct of it, rounded to paise. Quantity is the contract lot size.
func NewBracketOrder(contract *Instrument, candle *Candle, pct float64) (BracketOrder, error) {
	if pct <= 0 || pct >= 1 {
		return BracketOrder{}, fmt.Errorf("bracket percentage %v out of range (0, 1)", pct)
	}
	if contract.LotSize <= 0 {
		return BracketOrder{}, fmt.Errorf("%s: %w", contract.TradingSymbol, ErrMissingLotSize)
	}

	price := roundPrice(candle.Close)
	order := BracketOrder{
		Side:            SideBuy,
		ProductType:     ProductBracket,
		Exchange:        contract.Exchange,
		TradingSymbol:   contract.TradingSymbol,
		Quantity:        contract.LotSize,
		PriceType:       PriceTypeLimit,
		Price:           price,
		TakeProfitPrice: roundPrice(price * (1 + pct)),
		StopLossPrice:   roundPrice(price * (1 - pct)),
	}
	if !(order.TakeProfitPrice > order.Price && order.Price > order.StopLossPrice) {
		return BracketOrder{}, fmt.Errorf("%s: %w: close %v", contract.TradingSymbol, ErrInvalidPrice, candle.Close)
	}
	return order, nil
}

// RoundStrike rounds lastPrice to the nearest multiple of step. A zero step
// returns lastPrice unchanged.
func RoundStrike(lastPrice, step float64) float64 {
	if step <= 0 {
		return lastPrice
	}
	return math.Round(lastPrice/step) * step
}

func roundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}
