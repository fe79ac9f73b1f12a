// Package casework owns the case form's state transitions: field edits, uploads,
// demographics ingestion, classification and the grounded-information follow-up.
package casework

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/dlp"
	"github.com/muainishi/platform/pkg/events"
	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/observability/metrics"
	"github.com/muainishi/platform/pkg/session"
)

// progressStep is the smallest progress advance worth a session write.
const progressStep = 10

const (
	defaultPublishTimeout = 2 * time.Second
	defaultStaleAfter     = 5 * time.Minute
)

type Model interface {
	Classify(ctx context.Context, in models.CaseInput) (*models.ClassificationResult, error)
	FetchGroundedInfo(ctx context.Context, cancerType string) (*models.GroundedInfo, error)
}

type Ingester interface {
	Process(ctx context.Context, f ingestion.File, progress chan<- int) (*ingestion.Result, error)
}

// Fields are the form's text inputs.
type Fields struct {
	ClinicalNotes  string
	MedicalHistory string
	FamilyHistory  string
	Demographics   models.Demographics
}

type Service struct {
	sessions  *session.Manager
	model     Model
	ingester  Ingester
	validator *ingestion.Validator
	redactor  *dlp.Redactor
	publisher events.Publisher

	now            func() time.Time
	publishTimeout time.Duration
	staleAfter     time.Duration

	// background work outlives the request that started it
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Service)

// WithPublishTimeout bounds each analysis event write so a slow broker never holds
// up a request.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

// WithStaleAfter sets how long a busy flag may stand before it is treated as left
// behind by a crashed process. It should exceed the longest model call.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.staleAfter = d }
}

// NewService wires the case workflow. redactor may be nil to disable masking.
func NewService(sessions *session.Manager, model Model, ingester Ingester, validator *ingestion.Validator, redactor *dlp.Redactor, publisher events.Publisher, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sessions:       sessions,
		model:          model,
		ingester:       ingester,
		validator:      validator,
		redactor:       redactor,
		publisher:      publisher,
		now:            time.Now,
		publishTimeout: defaultPublishTimeout,
		staleAfter:     defaultStaleAfter,
		baseCtx:        ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels in-flight ingestions and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until background ingestions have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// State returns the session as the page should show it. Stale busy flags are
// cleared on the copy; the next transition persists that.
func (s *Service) State(ctx context.Context, sessionID string) (*session.State, error) {
	st, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.expireStale(sessionID, st)
	return st, nil
}

func (s *Service) expireStale(sessionID string, st *session.State) {
	if st.ExpireStaleWork(s.now(), s.staleAfter) {
		logger.Log.WithField("session_id", sessionID).Warn("Cleared busy flags left by an abandoned call")
	}
}

func (s *Service) UpdateFields(ctx context.Context, sessionID string, f Fields) (*session.State, error) {
	return s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.Classifying {
			return ErrBusy
		}
		st.ClinicalNotes = f.ClinicalNotes
		st.MedicalHistory = f.MedicalHistory
		st.FamilyHistory = f.FamilyHistory
		if !st.DemographicsLocked() {
			st.Demographics = f.Demographics
		}
		return nil
	})
}

// AttachFile stores an upload in its slot. A demographics upload also starts ingestion
// in the background; the returned state shows it parsing.
func (s *Service) AttachFile(ctx context.Context, sessionID string, slot ingestion.Slot, name, declaredType string, data []byte) (*session.State, error) {
	if verr := s.validator.Validate(slot, name, int64(len(data))); verr != nil {
		return s.rejectUpload(ctx, sessionID, slot, verr)
	}

	file := &ingestion.File{
		Name:      name,
		MediaType: ingestion.ResolveMediaType(name, declaredType, data),
		Size:      int64(len(data)),
		Data:      data,
	}

	var ingestionID string
	state, err := s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.Classifying || (slot == ingestion.SlotDemographics && st.DemographicsParsing) {
			return ErrBusy
		}
		st.Error = ""
		if slot != ingestion.SlotDemographics {
			st.SetFile(slot, file)
			return nil
		}

		st.ClearDemographics()
		st.DemographicsFile = file
		st.DemographicsParsing = true
		st.ParsingAt = s.now()
		st.SetProgress(0)
		ingestionID = uuid.New().String()
		st.IngestionID = ingestionID
		return nil
	})
	if err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"session_id": sessionID,
			"slot":       slot,
		}).Warn("Upload refused")
		return nil, err
	}

	if ingestionID != "" {
		s.wg.Add(1)
		go s.runIngestion(sessionID, ingestionID, *file)
	}
	return state, nil
}

func (s *Service) rejectUpload(ctx context.Context, sessionID string, slot ingestion.Slot, verr error) (*session.State, error) {
	metrics.ObserveUploadRejected()
	s.publish(ctx, events.UploadRejected, sessionID, map[string]interface{}{
		events.KeySlot:       string(slot),
		events.KeyErrorClass: errorClass(verr),
	})

	message := MsgIngestionFailed
	var fe ingestion.FileError
	if errors.As(verr, &fe) {
		message = fe.UserMessage()
	}

	state, err := s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.Classifying || (slot == ingestion.SlotDemographics && st.DemographicsParsing) {
			return ErrBusy
		}
		if slot == ingestion.SlotDemographics {
			st.ClearDemographics()
		} else {
			st.SetFile(slot, nil)
		}
		st.Error = message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, verr
}

func (s *Service) runIngestion(sessionID, ingestionID string, file ingestion.File) {
	defer s.wg.Done()
	ctx := s.baseCtx

	progress := make(chan int, 8)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		last := 0
		for pct := range progress {
			if pct < 100 && pct-last < progressStep {
				continue
			}
			last = pct
			_, err := s.sessions.Update(ctx, sessionID, func(st *session.State) error {
				if st.IngestionID != ingestionID {
					return errStale
				}
				st.SetProgress(pct)
				return nil
			})
			if err != nil && !errors.Is(err, errStale) {
				logger.Log.WithError(err).WithField("session_id", sessionID).Warn("Failed to record ingestion progress")
			}
		}
	}()

	result, procErr := s.ingester.Process(ctx, file, progress)
	close(progress)
	<-pumpDone

	_, err := s.sessions.Update(context.WithoutCancel(ctx), sessionID, func(st *session.State) error {
		if st.IngestionID != ingestionID {
			return errStale
		}
		if procErr != nil {
			st.ClearDemographics()
			st.Error = MsgIngestionFailed
			return nil
		}
		st.Demographics = result.Demographics
		st.DemographicsLoaded = true
		st.DemographicsParsing = false
		st.ParsingAt = time.Time{}
		st.SetProgress(100)
		st.ProgressHideAt = s.now().Add(session.ProgressHold)
		st.IngestionID = ""
		if st.DemographicsFile != nil {
			kept := *st.DemographicsFile
			kept.Data = nil
			st.DemographicsFile = &kept
		}
		return nil
	})
	if errors.Is(err, errStale) {
		logger.Log.WithField("session_id", sessionID).Info("Discarded result of superseded demographics ingestion")
		return
	}
	if err != nil {
		logger.Log.WithError(err).WithField("session_id", sessionID).Error("Failed to apply demographics ingestion")
		return
	}

	entry := logger.Log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"file_size":  file.Size,
	})
	if procErr != nil {
		entry.WithError(procErr).Error("Demographics ingestion failed")
		metrics.ObserveExtraction(false)
		s.publish(ctx, events.DemographicsFailed, sessionID, map[string]interface{}{
			events.KeyMediaType:  file.MediaType,
			events.KeyErrorClass: errorClass(procErr),
		})
		return
	}
	entry.WithFields(map[string]interface{}{
		"method":     result.Method,
		"media_type": result.MediaType,
	}).Info("Demographics ingested")
	metrics.ObserveExtraction(true)
	s.publish(ctx, events.DemographicsIngested, sessionID, map[string]interface{}{
		events.KeyMediaType:  result.MediaType,
		events.KeyMethod:     result.Method,
		events.KeyDurationMs: result.Duration.Milliseconds(),
	})
}

// ClearFile empties one upload slot. Clearing demographics also blanks and unlocks
// the four fields.
func (s *Service) ClearFile(ctx context.Context, sessionID string, slot ingestion.Slot) (*session.State, error) {
	return s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.Classifying || (slot == ingestion.SlotDemographics && st.DemographicsParsing) {
			return ErrBusy
		}
		if slot == ingestion.SlotDemographics {
			st.ClearDemographics()
			return nil
		}
		st.SetFile(slot, nil)
		return nil
	})
}

// Classify sends the case to the model. The previous result and grounded info are
// discarded first; on failure the page shows one generic message.
func (s *Service) Classify(ctx context.Context, sessionID string) (*session.State, error) {
	var (
		input   models.CaseInput
		invalid bool
	)
	state, err := s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.Classifying || st.FetchingInfo {
			return ErrBusy
		}
		if !st.HasCaseData() {
			st.Error = MsgNoCaseData
			invalid = true
			return nil
		}
		st.Classifying = true
		st.ClassifyingAt = s.now()
		st.Error = ""
		st.Result = nil
		st.GroundedInfo = nil
		input = caseInput(st)
		return nil
	})
	if err != nil {
		logger.Log.WithError(err).WithField("session_id", sessionID).Warn("Classification refused")
		return nil, err
	}
	if invalid {
		metrics.ObserveValidationRejected()
		s.publish(ctx, events.ValidationRejected, sessionID, nil)
		return state, ValidationError{Message: MsgNoCaseData}
	}

	var phiTypes []string
	if s.redactor != nil {
		input, phiTypes = s.redactor.RedactCase(input)
		metrics.ObservePHIRedactions(len(phiTypes))
	}

	start := s.now()
	result, callErr := s.model.Classify(ctx, input)
	duration := s.now().Sub(start)

	state, err = s.sessions.Update(context.WithoutCancel(ctx), sessionID, func(st *session.State) error {
		if !st.Classifying {
			return errStale
		}
		st.Classifying = false
		st.ClassifyingAt = time.Time{}
		if callErr != nil {
			st.Error = MsgClassificationFailed
			return nil
		}
		st.Result = result
		st.GroundedInfo = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := logger.Log.WithFields(map[string]interface{}{
		"session_id":   sessionID,
		"duration":     duration.Milliseconds(),
		"phi_redacted": phiTypes,
	})
	if callErr != nil {
		entry.WithError(callErr).Error("Classification failed")
		metrics.ObserveClassification(false)
		s.publish(ctx, events.ClassificationFailed, sessionID, map[string]interface{}{
			events.KeyDurationMs: duration.Milliseconds(),
			events.KeyErrorClass: errorClass(callErr),
			events.KeyPHITypes:   phiTypes,
		})
		return state, callErr
	}

	entry.WithFields(map[string]interface{}{
		"label":      result.Classification,
		"confidence": result.Confidence,
	}).Info("Case classified")
	metrics.ObserveClassification(true)
	s.publish(ctx, events.CaseClassified, sessionID, map[string]interface{}{
		events.KeyLabel:      result.Classification,
		events.KeyConfidence: result.Confidence,
		events.KeyDurationMs: duration.Milliseconds(),
		events.KeyPHITypes:   phiTypes,
	})
	return state, nil
}

// FetchGroundedInfo looks up web-grounded context for the current classification label.
func (s *Service) FetchGroundedInfo(ctx context.Context, sessionID string) (*session.State, error) {
	var label string
	_, err := s.sessions.Update(ctx, sessionID, func(st *session.State) error {
		s.expireStale(sessionID, st)
		if st.FetchingInfo || st.Classifying {
			return ErrBusy
		}
		if st.Result == nil {
			return ErrNoResult
		}
		st.FetchingInfo = true
		st.FetchingInfoAt = s.now()
		st.GroundedInfo = nil
		st.Error = ""
		label = st.Result.Classification
		return nil
	})
	if err != nil {
		logger.Log.WithError(err).WithField("session_id", sessionID).Warn("Grounded information lookup refused")
		return nil, err
	}

	start := s.now()
	info, callErr := s.model.FetchGroundedInfo(ctx, label)
	duration := s.now().Sub(start)

	state, err := s.sessions.Update(context.WithoutCancel(ctx), sessionID, func(st *session.State) error {
		if !st.FetchingInfo {
			return errStale
		}
		st.FetchingInfo = false
		st.FetchingInfoAt = time.Time{}
		if callErr != nil {
			st.Error = MsgGroundedInfoFailed
			return nil
		}
		st.GroundedInfo = info
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := logger.Log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"label":      label,
		"duration":   duration.Milliseconds(),
	})
	if callErr != nil {
		entry.WithError(callErr).Error("Grounded information lookup failed")
		metrics.ObserveGroundedInfo(false)
		s.publish(ctx, events.GroundedInfoFailed, sessionID, map[string]interface{}{
			events.KeyLabel:      label,
			events.KeyDurationMs: duration.Milliseconds(),
			events.KeyErrorClass: errorClass(callErr),
		})
		return state, callErr
	}

	entry.WithField("sources", len(info.Sources)).Info("Grounded information fetched")
	metrics.ObserveGroundedInfo(true)
	s.publish(ctx, events.GroundedInfoFetched, sessionID, map[string]interface{}{
		events.KeyLabel:       label,
		events.KeyDurationMs:  duration.Milliseconds(),
		events.KeySourceCount: len(info.Sources),
	})
	return state, nil
}

// Reset discards the session. In-flight work for it is dropped when it completes.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	return s.sessions.Delete(ctx, sessionID)
}

func caseInput(st *session.State) models.CaseInput {
	in := models.CaseInput{
		ClinicalNotes:  st.ClinicalNotes,
		MedicalHistory: st.MedicalHistory,
		FamilyHistory:  st.FamilyHistory,
		Demographics:   st.Demographics,
	}
	if st.GeneFile != nil {
		in.GeneData = string(st.GeneFile.Data)
	}
	if st.ImagingFile != nil {
		in.ImagingReport = string(st.ImagingFile.Data)
	}
	return in
}

func (s *Service) publish(ctx context.Context, eventType, sessionID string, fields map[string]interface{}) {
	data := events.SessionData(sessionID)
	for k, v := range fields {
		data[k] = v
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishEvent(ctx, eventType, events.Source, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("Failed to publish analysis event")
	}
}
