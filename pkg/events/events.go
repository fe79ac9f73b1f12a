// Package events names the analysis events emitted by the classifier service and
// the publisher abstraction used to emit them.
package events

import (
	"context"
	"sync"

	"github.com/muainishi/platform/pkg/common/kafka"
	"github.com/muainishi/platform/pkg/common/models"
)

const Source = "classifier-service"

const (
	DemographicsIngested = "demographics.ingested"
	DemographicsFailed   = "demographics.failed"
	CaseClassified       = "case.classified"
	ClassificationFailed = "case.classification_failed"
	GroundedInfoFetched  = "grounded_info.fetched"
	GroundedInfoFailed   = "grounded_info.failed"
	UploadRejected       = "upload.rejected"
	ValidationRejected   = "case.validation_rejected"
)

// Payload keys shared by producers and the audit consumer.
const (
	KeySessionID   = "session_id"
	KeyLabel       = "label"
	KeyConfidence  = "confidence"
	KeyDurationMs  = "duration_ms"
	KeyMediaType   = "media_type"
	KeyMethod      = "method"
	KeySlot        = "slot"
	KeyErrorClass  = "error_class"
	KeyPHITypes    = "phi_types"
	KeySourceCount = "source_count"
)

// Publisher emits analysis events. Payloads must never carry clinical free text.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

var _ Publisher = (*kafka.Producer)(nil)

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) PublishEvent(context.Context, string, string, map[string]interface{}) error { return nil }

// Recorder keeps events in memory. Tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) PublishEvent(_ context.Context, eventType string, source string, data map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kafka.NewEvent(eventType, source, data))
	return nil
}

func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// SessionData starts a payload keyed by session id.
func SessionData(sessionID string) map[string]interface{} {
	return map[string]interface{}{KeySessionID: sessionID}
}

// SessionID reads the session id back out of an event payload.
func SessionID(event models.Event) string {
	if v, ok := event.Data[KeySessionID].(string); ok {
		return v
	}
	return ""
}
