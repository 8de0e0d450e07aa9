package storage

import (
	"sync"
	"time"

	"chartink-webhook-go/internal/metrics"
	"chartink-webhook-go/internal/models"
)

// DefaultEmergencyCapacity bounds the emergency queue when none is configured.
const DefaultEmergencyCapacity = 100

// QueuedRecord is a record that no tier accepted.
type QueuedRecord struct {
	Record   *models.StorageRecord `json:"record"`
	CachedAt time.Time             `json:"cachedAt"`
}

// EmergencyQueue is a bounded in-memory FIFO shared by every request on the
// process. Once full, each push evicts the oldest entry. Contents are lost
// on restart.
type EmergencyQueue struct {
	mu      sync.Mutex
	entries []QueuedRecord
	head    int
	size    int
	evicted uint64
	now     func() time.Time
}

// NewEmergencyQueue creates a queue holding at most capacity records.
func NewEmergencyQueue(capacity int) *EmergencyQueue {
	if capacity <= 0 {
		capacity = DefaultEmergencyCapacity
	}
	return &EmergencyQueue{
		entries: make([]QueuedRecord, capacity),
		now:     time.Now,
	}
}

// Push appends record and returns the resulting size.
func (q *EmergencyQueue) Push(record *models.StorageRecord) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := QueuedRecord{Record: record, CachedAt: q.now()}
	capacity := len(q.entries)
	if q.size == capacity {
		q.entries[q.head] = entry
		q.head = (q.head + 1) % capacity
		q.evicted++
	} else {
		q.entries[(q.head+q.size)%capacity] = entry
		q.size++
	}
	metrics.EmergencyQueueSize.Set(float64(q.size))
	return q.size
}

// Len returns the number of queued records.
func (q *EmergencyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *EmergencyQueue) Cap() int {
	return len(q.entries)
}

// Evicted returns how many records were dropped to make room.
func (q *EmergencyQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Snapshot returns the queued records, oldest first.
func (q *EmergencyQueue) Snapshot() []QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueuedRecord, q.size)
	for i := 0; i < q.size; i++ {
		out[i] = q.entries[(q.head+i)%len(q.entries)]
	}
	return out
}

// ReadDate returns the queued records of one date directory.
func (q *EmergencyQueue) ReadDate(date string) []*models.StorageRecord {
	var out []*models.StorageRecord
	for _, e := range q.Snapshot() {
		if e.Record.Metadata.DateDirectory == date {
			out = append(out, e.Record)
		}
	}
	return out
}
