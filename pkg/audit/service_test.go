package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/muainishi/platform/pkg/common/kafka"
	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	created   []Record
	createErr error
	listed    string
	limit     int
	ttl       time.Duration
}

func (f *fakeStore) Create(_ context.Context, rec *Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *rec)
	return nil
}

func (f *fakeStore) List(_ context.Context, sessionID string, limit int) ([]Record, error) {
	f.listed = sessionID
	f.limit = limit
	return f.created, nil
}

func (f *fakeStore) CleanupExpired(_ context.Context, ttl time.Duration) (int64, error) {
	f.ttl = ttl
	return 2, nil
}

func init() {
	logger.Silence()
}

func TestRecordFromEvent(t *testing.T) {
	data := events.SessionData("sess-9")
	data[events.KeyLabel] = "Lung Adenocarcinoma"
	data[events.KeyDurationMs] = float64(1520)
	data[events.KeyConfidence] = 0.64
	event := kafka.NewEvent(events.CaseClassified, events.Source, data)

	rec := RecordFromEvent(event)

	assert.Equal(t, event.ID, rec.ID)
	assert.Equal(t, "sess-9", rec.SessionID)
	assert.Equal(t, events.CaseClassified, rec.EventType)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, "Lung Adenocarcinoma", rec.Label)
	assert.EqualValues(t, 1520, rec.DurationMs)
	assert.Equal(t, 0.64, rec.Metadata[events.KeyConfidence])
	assert.NotContains(t, rec.Metadata, events.KeySessionID)
	assert.NotContains(t, rec.Metadata, events.KeyLabel)
}

func TestRecordStatusFromEventType(t *testing.T) {
	tests := map[string]string{
		events.DemographicsIngested: StatusSucceeded,
		events.DemographicsFailed:   StatusFailed,
		events.ClassificationFailed: StatusFailed,
		events.UploadRejected:       StatusRejected,
		events.ValidationRejected:   StatusRejected,
		events.GroundedInfoFetched:  StatusSucceeded,
	}
	for eventType, want := range tests {
		t.Run(eventType, func(t *testing.T) {
			rec := RecordFromEvent(kafka.NewEvent(eventType, events.Source, events.SessionData("s")))
			assert.Equal(t, want, rec.Status)
			assert.Nil(t, rec.Metadata)
		})
	}
}

func TestHandleEventStoresRecord(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, time.Hour)

	event := kafka.NewEvent(events.GroundedInfoFailed, events.Source, events.SessionData("sess-1"))
	require.NoError(t, svc.HandleEvent(context.Background(), event))

	require.Len(t, store.created, 1)
	assert.Equal(t, StatusFailed, store.created[0].Status)
}

func TestHandleEventWrapsStoreError(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(&fakeStore{createErr: boom}, time.Hour)

	err := svc.HandleEvent(context.Background(), kafka.NewEvent(events.CaseClassified, events.Source, nil))
	assert.ErrorIs(t, err, boom)
}

func TestCleanupUsesRetention(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, 72*time.Hour)

	require.NoError(t, svc.Cleanup(context.Background()))
	assert.Equal(t, 72*time.Hour, store.ttl)
}

func TestHTTPListRecords(t *testing.T) {
	store := &fakeStore{created: []Record{{ID: "evt-1", SessionID: "sess-1", EventType: events.CaseClassified}}}
	router := mux.NewRouter()
	NewHTTPHandler(NewService(store, 0)).Register(router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?session_id=sess-1&limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", store.listed)
	assert.Equal(t, 5, store.limit)

	var body struct {
		Records []Record `json:"records"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "evt-1", body.Records[0].ID)
}

func TestHTTPListRejectsBadLimit(t *testing.T) {
	router := mux.NewRouter()
	NewHTTPHandler(NewService(&fakeStore{}, 0)).Register(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=ten", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPListEmptyIsArray(t *testing.T) {
	router := mux.NewRouter()
	NewHTTPHandler(NewService(&fakeStore{}, 0)).Register(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))

	assert.Contains(t, rec.Body.String(), `"records":[]`)
}
