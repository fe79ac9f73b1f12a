package audit

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Record is one PHI-free line of the analysis audit trail.
type Record struct {
	ID         string            `json:"id" gorm:"primaryKey;column:id"`
	SessionID  string            `json:"session_id" gorm:"column:session_id;index"`
	EventType  string            `json:"event_type" gorm:"column:event_type"`
	Status     string            `json:"status" gorm:"column:status"`
	Label      string            `json:"label,omitempty" gorm:"column:label"`
	DurationMs int64             `json:"duration_ms" gorm:"column:duration_ms"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty" gorm:"column:metadata"`
	CreatedAt  time.Time         `json:"created_at" gorm:"column:created_at;index"`
}

func (Record) TableName() string {
	return "analysis_audit"
}
