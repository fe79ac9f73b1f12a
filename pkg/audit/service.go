package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/events"
	"gorm.io/datatypes"
)

// Store is the persistence used by Service; *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, sessionID string, limit int) ([]Record, error)
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

type Service struct {
	store     Store
	retention time.Duration
}

func NewService(store Store, retention time.Duration) *Service {
	return &Service{store: store, retention: retention}
}

// HandleEvent persists one analysis event. It matches kafka.EventHandler.
func (s *Service) HandleEvent(ctx context.Context, event models.Event) error {
	rec := RecordFromEvent(event)
	if err := s.store.Create(ctx, &rec); err != nil {
		return fmt.Errorf("storing audit record %s: %w", rec.ID, err)
	}
	logger.Log.WithFields(map[string]interface{}{
		"event_id":   rec.ID,
		"event_type": rec.EventType,
		"status":     rec.Status,
	}).Debug("Audit record stored")
	return nil
}

func (s *Service) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return s.store.List(ctx, sessionID, limit)
}

// Cleanup deletes records older than the retention window.
func (s *Service) Cleanup(ctx context.Context) error {
	deleted, err := s.store.CleanupExpired(ctx, s.retention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logger.Log.WithField("deleted", deleted).Info("Expired audit records removed")
	}
	return nil
}

// RecordFromEvent flattens an event into an audit row. Well-known payload keys get
// their own columns; everything else lands in Metadata.
func RecordFromEvent(event models.Event) Record {
	rec := Record{
		ID:        event.ID,
		SessionID: events.SessionID(event),
		EventType: event.Type,
		Status:    statusFor(event.Type),
		CreatedAt: event.Timestamp,
	}

	metadata := datatypes.JSONMap{}
	for key, value := range event.Data {
		switch key {
		case events.KeySessionID:
		case events.KeyLabel:
			if label, ok := value.(string); ok {
				rec.Label = label
			}
		case events.KeyDurationMs:
			rec.DurationMs = toInt64(value)
		default:
			metadata[key] = value
		}
	}
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	return rec
}

func statusFor(eventType string) string {
	switch {
	case strings.HasSuffix(eventType, "failed"):
		return StatusFailed
	case strings.HasSuffix(eventType, "rejected"):
		return StatusRejected
	default:
		return StatusSucceeded
	}
}

func toInt64(value interface{}) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
