package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const dateDirectoryLayout = "20060102"

// MetadataKey is the payload key the record metadata is stored under.
const MetadataKey = "_metadata"

// RecordMetadata is attached to every stored alert. ID is unique per webhook
// delivery and is the dedup key for tiers that may see a late duplicate write.
type RecordMetadata struct {
	ID            string `json:"id"`
	ReceivedAt    int64  `json:"received_at"` // unix milliseconds
	DateDirectory string `json:"date_directory"`
	Source        string `json:"source,omitempty"`
	SourceIP      string `json:"ip"`
}

// StorageRecord is the alert payload plus its metadata.
type StorageRecord struct {
	Payload  map[string]any
	Metadata RecordMetadata
}

// NewStorageRecord wraps a parsed alert for persistence.
func NewStorageRecord(alert *Alert, source, sourceIP string) *StorageRecord {
	payload := make(map[string]any, len(alert.Raw))
	for k, v := range alert.Raw {
		if k == MetadataKey {
			continue
		}
		payload[k] = v
	}
	if sourceIP == "" {
		sourceIP = "unknown"
	}
	return &StorageRecord{
		Payload: payload,
		Metadata: RecordMetadata{
			ID:            uuid.New().String(),
			ReceivedAt:    alert.ReceivedAt.UnixMilli(),
			DateDirectory: DateDirectory(alert.ReceivedAt),
			Source:        source,
			SourceIP:      sourceIP,
		},
	}
}

// DateDirectory formats t as YYYYMMDD.
func DateDirectory(t time.Time) string {
	return t.Format(dateDirectoryLayout)
}

// IsDateDirectory reports whether s looks like a YYYYMMDD directory name.
func IsDateDirectory(s string) bool {
	if len(s) != len(dateDirectoryLayout) {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Path is the hierarchical location of the record under root: root/YYYYMMDD/id.
func (r *StorageRecord) Path(root string) string {
	return fmt.Sprintf("%s/%s/%s", root, r.Metadata.DateDirectory, r.Metadata.ID)
}

// ReceivedAt returns the receipt time.
func (r *StorageRecord) ReceivedAt() time.Time {
	return time.UnixMilli(r.Metadata.ReceivedAt)
}

// StringField returns a payload field as a string.
func (r *StorageRecord) StringField(key string) string {
	return field(r.Payload, key)
}

// MarshalJSON flattens the payload and places the metadata under "_metadata".
func (r StorageRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+1)
	for k, v := range r.Payload {
		out[k] = v
	}
	out[MetadataKey] = r.Metadata
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *StorageRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Payload = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == MetadataKey {
			if err := json.Unmarshal(v, &r.Metadata); err != nil {
				return fmt.Errorf("failed to decode %s: %w", MetadataKey, err)
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		r.Payload[k] = val
	}
	return nil
}
