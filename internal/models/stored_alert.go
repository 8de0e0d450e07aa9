package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StoredAlert is the SQLite row for a persisted alert.
type StoredAlert struct {
	gorm.Model
	RecordID      string    `gorm:"uniqueIndex;not null" json:"record_id"`
	DateDirectory string    `gorm:"index;not null" json:"date_directory"`
	AlertName     string    `json:"alert_name"`
	ScanName      string    `json:"scan_name"`
	Stocks        string    `json:"stocks"`
	SourceIP      string    `json:"source_ip"`
	ReceivedAt    time.Time `gorm:"index" json:"received_at"`
	Payload       string    `gorm:"type:text" json:"payload"` // full record JSON
}

// NewStoredAlert flattens a record into a row.
func NewStoredAlert(r *StorageRecord) (*StoredAlert, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", r.Metadata.ID, err)
	}
	return &StoredAlert{
		RecordID:      r.Metadata.ID,
		DateDirectory: r.Metadata.DateDirectory,
		AlertName:     r.StringField("alert_name"),
		ScanName:      r.StringField("scan_name"),
		Stocks:        strings.Join(ParseStocks(r.StringField("stocks")), ","),
		SourceIP:      r.Metadata.SourceIP,
		ReceivedAt:    r.ReceivedAt(),
		Payload:       string(body),
	}, nil
}

// Record decodes the stored payload back into a StorageRecord.
func (s *StoredAlert) Record() (*StorageRecord, error) {
	var r StorageRecord
	if err := json.Unmarshal([]byte(s.Payload), &r); err != nil {
		return nil, fmt.Errorf("failed to decode stored alert %s: %w", s.RecordID, err)
	}
	return &r, nil
}
