package storage

import (
	"encoding/json"
	"sort"
	"strings"

	"chartink-webhook-go/internal/models"
)

// DefaultReadLimit caps query results when no limit is given.
const DefaultReadLimit = 100

// Query filters the records of one date.
type Query struct {
	Date     string `json:"date"`
	ScanName string `json:"scan_name"`
	Symbol   string `json:"symbol"`
	Limit    int    `json:"limit"`
}

// StockDetail pairs a symbol of an alert with its trigger price.
type StockDetail struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// QueryRecord is a matched record with its parsed stock list.
type QueryRecord struct {
	*models.StorageRecord
	StocksCount  int           `json:"stocks_count"`
	StockDetails []StockDetail `json:"stock_details"`
}

// MarshalJSON flattens the record and appends the derived fields.
func (r QueryRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		flat[k] = v
	}
	flat[models.MetadataKey] = r.Metadata
	flat["stocks_count"] = r.StocksCount
	flat["stock_details"] = r.StockDetails
	return json.Marshal(flat)
}

// Matches reports whether r passes the scan name and symbol filters. The
// scan name is a case-insensitive substring; the symbol must equal one of
// the alert's stocks, ignoring case.
func (q Query) Matches(r *models.StorageRecord) bool {
	if q.ScanName != "" {
		name := r.StringField("scan_name")
		if name == "" || !strings.Contains(strings.ToLower(name), strings.ToLower(q.ScanName)) {
			return false
		}
	}
	if symbol := strings.TrimSpace(q.Symbol); symbol != "" {
		stocks := models.ParseStocks(r.StringField("stocks"))
		if len(stocks) == 0 {
			return true
		}
		for _, s := range stocks {
			if strings.EqualFold(s, symbol) {
				return true
			}
		}
		return false
	}
	return true
}

// Apply filters records, sorts them newest first and applies the limit.
func (q Query) Apply(records []*models.StorageRecord) []QueryRecord {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	matched := make([]*models.StorageRecord, 0, len(records))
	for _, r := range records {
		if r != nil && q.Matches(r) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Metadata.ReceivedAt > matched[j].Metadata.ReceivedAt
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]QueryRecord, 0, len(matched))
	for _, r := range matched {
		stocks := models.ParseStocks(r.StringField("stocks"))
		prices := models.ParsePrices(r.StringField("trigger_prices"))
		details := make([]StockDetail, len(stocks))
		for i, s := range stocks {
			details[i] = StockDetail{Symbol: s}
			if i < len(prices) {
				details[i].Price = prices[i]
			}
		}
		out = append(out, QueryRecord{StorageRecord: r, StocksCount: len(stocks), StockDetails: details})
	}
	return out
}
