package storage

import (
	"fmt"
	"testing"
	"time"

	"chartink-webhook-go/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedRecord(id, date string) *models.StorageRecord {
	return &models.StorageRecord{
		Payload:  map[string]any{"stocks": "INFY"},
		Metadata: models.RecordMetadata{ID: id, DateDirectory: date},
	}
}

func TestEmergencyQueue_EvictsOldest(t *testing.T) {
	q := NewEmergencyQueue(3)
	for i := 1; i <= 5; i++ {
		q.Push(queuedRecord(fmt.Sprint(i), "20251209"))
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())
	assert.Equal(t, uint64(2), q.Evicted())

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	ids := []string{snap[0].Record.Metadata.ID, snap[1].Record.Metadata.ID, snap[2].Record.Metadata.ID}
	assert.Equal(t, []string{"3", "4", "5"}, ids)
}

func TestEmergencyQueue_DefaultsAndCacheTime(t *testing.T) {
	q := NewEmergencyQueue(0)
	assert.Equal(t, DefaultEmergencyCapacity, q.Cap())

	fixed := time.Date(2025, 12, 9, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }
	assert.Equal(t, 1, q.Push(queuedRecord("a", "20251209")))
	assert.Equal(t, fixed, q.Snapshot()[0].CachedAt)
}

func TestEmergencyQueue_ReadDate(t *testing.T) {
	q := NewEmergencyQueue(10)
	q.Push(queuedRecord("a", "20251208"))
	q.Push(queuedRecord("b", "20251209"))
	q.Push(queuedRecord("c", "20251209"))

	got := q.ReadDate("20251209")
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Metadata.ID)
	assert.Equal(t, "c", got[1].Metadata.ID)
	assert.Empty(t, q.ReadDate("20250101"))
}

func TestProperty_EmergencyQueueBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("size never exceeds capacity and keeps the newest pushes", prop.ForAll(
		func(capacity, pushes int) bool {
			q := NewEmergencyQueue(capacity)
			for i := 0; i < pushes; i++ {
				q.Push(queuedRecord(fmt.Sprint(i), "20251209"))
			}
			want := pushes
			if want > capacity {
				want = capacity
			}
			snap := q.Snapshot()
			if q.Len() != want || len(snap) != want {
				return false
			}
			if want > 0 && snap[want-1].Record.Metadata.ID != fmt.Sprint(pushes-1) {
				return false
			}
			return q.Evicted() == uint64(pushes-want)
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
