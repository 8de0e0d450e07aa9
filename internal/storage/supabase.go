package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SupabaseTier inserts records into a Supabase table through PostgREST.
type SupabaseTier struct {
	cfg    config.Supabase
	client *resty.Client
	logger *zap.Logger
	init   initOnce
}

type supabaseRow struct {
	RecordID      string                `json:"record_id"`
	DateDirectory string                `json:"date_directory"`
	Payload       *models.StorageRecord `json:"payload"`
	ReceivedAt    string                `json:"received_at"`
	SourceIP      string                `json:"source_ip"`
}

// NewSupabaseTier creates the tier.
func NewSupabaseTier(cfg config.Supabase, logger *zap.Logger) *SupabaseTier {
	if cfg.Table == "" {
		cfg.Table = "chartink_webhooks"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")+"/rest/v1").
		SetHeader("apikey", cfg.ServiceKey).
		SetAuthToken(cfg.ServiceKey)
	return &SupabaseTier{
		cfg:    cfg,
		client: client,
		logger: logger.Named("supabase"),
	}
}

func (s *SupabaseTier) Name() string { return config.TierSupabase }

// Initialize checks the credentials are present. PostgREST is stateless, so
// the first write is the real connectivity check.
func (s *SupabaseTier) Initialize(ctx context.Context) error {
	return s.init.Do(ctx, func(context.Context) error {
		if s.cfg.URL == "" || s.cfg.ServiceKey == "" {
			return fmt.Errorf("supabase credentials: %w", ErrNotConfigured)
		}
		return nil
	})
}

// Write inserts the record. A second insert with the same record_id is
// ignored by the unique constraint on that column.
func (s *SupabaseTier) Write(ctx context.Context, path string, record *models.StorageRecord) error {
	row := supabaseRow{
		RecordID:      record.Metadata.ID,
		DateDirectory: record.Metadata.DateDirectory,
		Payload:       record,
		ReceivedAt:    record.ReceivedAt().UTC().Format(time.RFC3339Nano),
		SourceIP:      record.Metadata.SourceIP,
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Prefer", "resolution=ignore-duplicates,return=minimal").
		SetQueryParam("on_conflict", "record_id").
		SetBody([]supabaseRow{row}).
		Post("/" + s.cfg.Table)
	if err != nil {
		return fmt.Errorf("supabase insert failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("supabase insert failed with status %s: %s", resp.Status(), resp.String())
	}
	return nil
}

// ReadDate returns the records received on date.
func (s *SupabaseTier) ReadDate(ctx context.Context, date string) ([]*models.StorageRecord, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"select":         "payload",
			"date_directory": "eq." + date,
			"order":          "received_at.desc",
		}).
		Get("/" + s.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("supabase read failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("supabase read failed with status %s: %s", resp.Status(), resp.String())
	}

	var rows []struct {
		Payload *models.StorageRecord `json:"payload"`
	}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode supabase rows: %w", err)
	}
	records := make([]*models.StorageRecord, 0, len(rows))
	for _, r := range rows {
		if r.Payload != nil {
			records = append(records, r.Payload)
		}
	}
	return records, nil
}

// Probe issues a one-row select against the table.
func (s *SupabaseTier) Probe(ctx context.Context) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"select": "record_id", "limit": "1"}).
		Get("/" + s.cfg.Table)
	if err != nil {
		return fmt.Errorf("supabase probe failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("supabase probe failed with status %s", resp.Status())
	}
	return nil
}
