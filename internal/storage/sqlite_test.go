package storage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newSQLiteTier opens a private in-memory database for one test.
func newSQLiteTier(t *testing.T) *SQLiteTier {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	tier := NewSQLiteTier(config.SQLite{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", name)}, zap.NewNop())
	require.NoError(t, tier.Initialize(context.Background()))
	return tier
}

func recordAt(t *testing.T, body string, at time.Time) *models.StorageRecord {
	t.Helper()
	alert, err := models.ParseAlert([]byte(body), at)
	require.NoError(t, err)
	return models.NewStorageRecord(alert, "chartink", "10.0.0.1")
}

func TestSQLiteTier_WriteAndRead(t *testing.T) {
	tier := newSQLiteTier(t)
	ctx := context.Background()
	day := time.Date(2025, 12, 9, 9, 15, 0, 0, time.UTC)

	first := recordAt(t, `{"alert_name":"CE-23.1 Breakout","scan_name":"Breakout","stocks":"INFY, TCS"}`, day)
	second := recordAt(t, `{"alert_name":"PE-23.2 Breakdown","stocks":"SBIN"}`, day.Add(time.Minute))
	other := recordAt(t, `{"stocks":"WIPRO"}`, day.AddDate(0, 0, 1))

	for _, r := range []*models.StorageRecord{first, second, other} {
		require.NoError(t, tier.Write(ctx, r.Path("chartink"), r))
	}

	records, err := tier.ReadDate(ctx, "20251209")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.Metadata.ID, records[0].Metadata.ID, "newest first")
	assert.Equal(t, first.Metadata.ID, records[1].Metadata.ID)
	assert.Equal(t, "INFY, TCS", records[1].StringField("stocks"))
	assert.Equal(t, "10.0.0.1", records[1].Metadata.SourceIP)
}

func TestSQLiteTier_DuplicateWriteIsIgnored(t *testing.T) {
	tier := newSQLiteTier(t)
	ctx := context.Background()
	rec := recordAt(t, `{"stocks":"INFY"}`, time.Date(2025, 12, 9, 9, 15, 0, 0, time.UTC))

	require.NoError(t, tier.Write(ctx, rec.Path("chartink"), rec))
	require.NoError(t, tier.Write(ctx, rec.Path("chartink"), rec))

	records, err := tier.ReadDate(ctx, "20251209")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSQLiteTier_Dates(t *testing.T) {
	tier := newSQLiteTier(t)
	ctx := context.Background()
	base := time.Date(2025, 12, 8, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := recordAt(t, `{"stocks":"INFY"}`, base.AddDate(0, 0, i))
		require.NoError(t, tier.Write(ctx, rec.Path("chartink"), rec))
	}
	extra := recordAt(t, `{"stocks":"TCS"}`, base)
	require.NoError(t, tier.Write(ctx, extra.Path("chartink"), extra))

	dates, err := tier.Dates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20251210", "20251209", "20251208"}, dates)
}

func TestSQLiteTier_ProbeAndInitErrors(t *testing.T) {
	tier := newSQLiteTier(t)
	assert.NoError(t, tier.Probe(context.Background()))

	unset := NewSQLiteTier(config.SQLite{}, zap.NewNop())
	assert.Error(t, unset.Initialize(context.Background()))
}
