package casework

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/dlp"
	"github.com/muainishi/platform/pkg/events"
	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sid = "session-1"

type fakeModel struct {
	mu         sync.Mutex
	result     *models.ClassificationResult
	info       *models.GroundedInfo
	err        error
	infoErr    error
	block      chan struct{}
	classified []models.CaseInput
	labels     []string
}

func (f *fakeModel) Classify(ctx context.Context, in models.CaseInput) (*models.ClassificationResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classified = append(f.classified, in)
	return f.result, f.err
}

func (f *fakeModel) FetchGroundedInfo(ctx context.Context, label string) (*models.GroundedInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, label)
	return f.info, f.infoErr
}

func (f *fakeModel) classifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.classified)
}

type fakeExtractor struct {
	result  models.Demographics
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeExtractor) ExtractDemographics(ctx context.Context, data []byte, mediaType string) (models.Demographics, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.Demographics{}, ctx.Err()
		}
	}
	return f.result, f.err
}

type harness struct {
	svc       *Service
	model     *fakeModel
	extractor *fakeExtractor
	events    *events.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger.Silence()

	model := &fakeModel{result: &models.ClassificationResult{
		Classification: "Breast Cancer, HER2-Positive",
		Confidence:     0.9,
	}}
	extractor := &fakeExtractor{}
	recorder := &events.Recorder{}
	redactor, err := dlp.NewRedactor(dlp.DefaultRules())
	require.NoError(t, err)

	svc := NewService(
		session.NewManager(session.NewMemoryStore(100, time.Hour)),
		model,
		ingestion.NewService(extractor, 5*time.Second),
		ingestion.NewValidator(1<<20),
		redactor,
		recorder,
		opts...,
	)
	t.Cleanup(svc.Close)
	return &harness{svc: svc, model: model, extractor: extractor, events: recorder}
}

func (h *harness) state(t *testing.T) *session.State {
	t.Helper()
	st, err := h.svc.State(context.Background(), sid)
	require.NoError(t, err)
	return st
}

func TestJSONDemographicsSubset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "patient.json", "application/json", []byte(`{"age": 55, "sex": "Female"}`))
	require.NoError(t, err)
	assert.True(t, st.DemographicsParsing)
	assert.True(t, st.DemographicsLocked())

	h.svc.Wait()
	st = h.state(t)

	assert.Equal(t, models.Demographics{Age: "55", Sex: "Female"}, st.Demographics)
	assert.True(t, st.DemographicsLoaded)
	assert.False(t, st.DemographicsParsing)
	assert.True(t, st.DemographicsLocked())
	assert.Empty(t, st.Error)
	assert.Equal(t, 100, st.Progress(time.Now()))
	assert.Equal(t, -1, st.Progress(time.Now().Add(2*session.ProgressHold)))
	assert.Contains(t, h.events.Types(), events.DemographicsIngested)
}

func TestDocumentDemographicsLoadedOnlyAfterExtraction(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = models.Demographics{Age: "61", BMI: "27.4"}
	h.extractor.started = make(chan struct{})
	h.extractor.release = make(chan struct{})
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "vitals.pdf", "application/pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)

	<-h.extractor.started
	st := h.state(t)
	assert.True(t, st.DemographicsParsing)
	assert.False(t, st.DemographicsLoaded)

	close(h.extractor.release)
	h.svc.Wait()

	st = h.state(t)
	assert.True(t, st.DemographicsLoaded)
	assert.Equal(t, models.Demographics{Age: "61", BMI: "27.4"}, st.Demographics)
	assert.Equal(t, "vitals.pdf", st.DemographicsFile.Name)
	assert.Nil(t, st.DemographicsFile.Data)
}

func TestDemographicsFailureClearsFileAndFields(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = errors.New("model unavailable")
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "vitals.docx", "", []byte("PK\x03\x04"))
	require.NoError(t, err)
	h.svc.Wait()

	st := h.state(t)
	assert.Nil(t, st.DemographicsFile)
	assert.True(t, st.Demographics.IsEmpty())
	assert.False(t, st.DemographicsLoaded)
	assert.False(t, st.DemographicsLocked())
	assert.Equal(t, MsgIngestionFailed, st.Error)
	assert.Contains(t, h.events.Types(), events.DemographicsFailed)
}

func TestMalformedJSONFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.AttachFile(context.Background(), sid, ingestion.SlotDemographics, "p.json", "application/json", []byte(`{"age":`))
	require.NoError(t, err)
	h.svc.Wait()

	st := h.state(t)
	assert.Equal(t, MsgIngestionFailed, st.Error)
	assert.Nil(t, st.DemographicsFile)
}

func TestDemographicsLockAndUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{Demographics: models.Demographics{Age: "40", Sex: "Male"}})
	require.NoError(t, err)

	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "p.json", "", []byte(`{"bmi": 22.5}`))
	require.NoError(t, err)
	h.svc.Wait()

	st := h.state(t)
	assert.Equal(t, models.Demographics{BMI: "22.5"}, st.Demographics, "manual values are discarded when a file takes over")

	st, err = h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "notes", Demographics: models.Demographics{Age: "99"}})
	require.NoError(t, err)
	assert.Equal(t, "notes", st.ClinicalNotes)
	assert.Equal(t, models.Demographics{BMI: "22.5"}, st.Demographics, "locked fields ignore edits")

	st, err = h.svc.ClearFile(ctx, sid, ingestion.SlotDemographics)
	require.NoError(t, err)
	assert.False(t, st.DemographicsLocked())
	assert.True(t, st.Demographics.IsEmpty())
	assert.False(t, st.DemographicsLoaded)

	st, err = h.svc.UpdateFields(ctx, sid, Fields{Demographics: models.Demographics{Age: "99"}})
	require.NoError(t, err)
	assert.Equal(t, "99", st.Demographics.Age)
}

func TestUploadWhileParsingIsRefused(t *testing.T) {
	h := newHarness(t)
	h.extractor.started = make(chan struct{})
	h.extractor.release = make(chan struct{})
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "a.pdf", "", []byte("%PDF"))
	require.NoError(t, err)
	<-h.extractor.started

	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "b.json", "", []byte(`{}`))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.svc.ClearFile(ctx, sid, ingestion.SlotDemographics)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotGene, "g.csv", "", []byte("gene,expr"))
	assert.NoError(t, err, "other slots stay usable")

	close(h.extractor.release)
	h.svc.Wait()
	assert.Equal(t, "a.pdf", h.state(t).DemographicsFile.Name)
}

func TestWrongExtensionResetsOnlyThatSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotImaging, "ct.txt", "", []byte("report"))
	require.NoError(t, err)
	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotGene, "g.csv", "", []byte("gene"))
	require.NoError(t, err)

	st, err := h.svc.AttachFile(ctx, sid, ingestion.SlotGene, "g.xlsx", "", []byte("PK"))
	assert.ErrorIs(t, err, ingestion.ErrUnsupportedType)
	require.NotNil(t, st)
	assert.Nil(t, st.GeneFile)
	assert.NotNil(t, st.ImagingFile)
	assert.Equal(t, "Invalid file type. Please upload one of: .csv,.tsv,.txt", st.Error)
	assert.Contains(t, h.events.Types(), events.UploadRejected)
}

func TestEmptyCaseNeverCallsModel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{Demographics: models.Demographics{Age: "50"}})
	require.NoError(t, err)

	st, err := h.svc.Classify(ctx, sid)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, MsgNoCaseData, st.Error)
	assert.Zero(t, h.model.classifyCalls())
	assert.False(t, st.Classifying)
}

func TestWhitespaceNotesAreCaseData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "   "})
	require.NoError(t, err)

	st, err := h.svc.Classify(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, h.model.classifyCalls())
}

func TestClassifySendsRawFilesAndRedactedNotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "Seen 03/04/2024, DOB: 04/12/1969, SSN 123-45-6789", Demographics: models.Demographics{Sex: "Female"}})
	require.NoError(t, err)
	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotGene, "expr.tsv", "", []byte("ERBB2\t9.1"))
	require.NoError(t, err)
	_, err = h.svc.AttachFile(ctx, sid, ingestion.SlotImaging, "mri.txt", "", []byte("CT chest 03/14/2024: mass 2.1 cm. Prior 11/02/2023: 1.2 cm. Call 555-867-5309."))
	require.NoError(t, err)

	st, err := h.svc.Classify(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, st.Result)

	require.Len(t, h.model.classified, 1)
	in := h.model.classified[0]
	assert.Equal(t, "Seen 03/04/2024, DOB: ##/##/####, SSN ***-**-****", in.ClinicalNotes)
	assert.Equal(t, "ERBB2\t9.1", in.GeneData)
	assert.Equal(t, "CT chest 03/14/2024: mass 2.1 cm. Prior 11/02/2023: 1.2 cm. Call 555-867-5309.", in.ImagingReport)
	assert.Equal(t, "Female", in.Demographics.Sex)

	evts := h.events.Events()
	last := evts[len(evts)-1]
	assert.Equal(t, events.CaseClassified, last.Type)
	assert.Equal(t, []string{"dob", "ssn"}, last.Data[events.KeyPHITypes])
	assert.NotContains(t, last.Data, "clinical_notes")
}

func TestClassificationClearsGroundedInfo(t *testing.T) {
	h := newHarness(t)
	h.model.info = &models.GroundedInfo{Summary: "overview", Sources: []models.GroundingSource{{URI: "https://nci.gov"}}}
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "mass"})
	require.NoError(t, err)
	_, err = h.svc.Classify(ctx, sid)
	require.NoError(t, err)

	st, err := h.svc.FetchGroundedInfo(ctx, sid)
	require.NoError(t, err)
	require.NotNil(t, st.GroundedInfo)
	assert.Equal(t, []string{"Breast Cancer, HER2-Positive"}, h.model.labels)

	st, err = h.svc.Classify(ctx, sid)
	require.NoError(t, err)
	assert.NotNil(t, st.Result)
	assert.Nil(t, st.GroundedInfo)
}

func TestClassificationFailureShowsGenericMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{FamilyHistory: "BRCA1 carrier"})
	require.NoError(t, err)
	_, err = h.svc.Classify(ctx, sid)
	require.NoError(t, err)

	h.model.err = errors.New("model returned invalid JSON")
	st, err := h.svc.Classify(ctx, sid)
	assert.Error(t, err)
	assert.Nil(t, st.Result, "previous result is discarded when a new request starts")
	assert.Equal(t, MsgClassificationFailed, st.Error)
	assert.False(t, st.Classifying)
	assert.Contains(t, h.events.Types(), events.ClassificationFailed)
}

func TestClassifyRefusedWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.model.block = make(chan struct{})
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "mass"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Classify(ctx, sid)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.state(t).Classifying }, time.Second, 5*time.Millisecond)

	_, err = h.svc.Classify(ctx, sid)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "changed"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, h.state(t).CanClassify())

	close(h.model.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.model.classifyCalls())
}

func TestGroundedInfoRequiresResult(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.FetchGroundedInfo(context.Background(), sid)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Empty(t, h.model.labels)
}

func TestGroundedInfoFailure(t *testing.T) {
	h := newHarness(t)
	h.model.infoErr = errors.New("grounded_info: empty response from model")
	ctx := context.Background()

	_, err := h.svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "mass"})
	require.NoError(t, err)
	_, err = h.svc.Classify(ctx, sid)
	require.NoError(t, err)

	st, err := h.svc.FetchGroundedInfo(ctx, sid)
	assert.Error(t, err)
	assert.Nil(t, st.GroundedInfo)
	assert.NotNil(t, st.Result)
	assert.Equal(t, MsgGroundedInfoFailed, st.Error)
	assert.False(t, st.FetchingInfo)
}

func TestResetDropsInFlightIngestion(t *testing.T) {
	h := newHarness(t)
	h.extractor.result = models.Demographics{Age: "70"}
	h.extractor.started = make(chan struct{})
	h.extractor.release = make(chan struct{})
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotDemographics, "a.pdf", "", []byte("%PDF"))
	require.NoError(t, err)
	<-h.extractor.started

	require.NoError(t, h.svc.Reset(ctx, sid))
	close(h.extractor.release)
	h.svc.Wait()

	st := h.state(t)
	assert.True(t, st.Demographics.IsEmpty())
	assert.Nil(t, st.DemographicsFile)
}

func TestClearGeneFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.AttachFile(ctx, sid, ingestion.SlotGene, "g.csv", "", []byte("gene"))
	require.NoError(t, err)
	assert.True(t, h.state(t).CanClassify())

	st, err := h.svc.ClearFile(ctx, sid, ingestion.SlotGene)
	require.NoError(t, err)
	assert.Nil(t, st.GeneFile)
	assert.False(t, st.CanClassify())
}

type stalledPublisher struct{}

func (stalledPublisher) PublishEvent(ctx context.Context, _, _ string, _ map[string]interface{}) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledBrokerDoesNotHoldClassify(t *testing.T) {
	logger.Silence()
	model := &fakeModel{result: &models.ClassificationResult{Classification: "Melanoma", Confidence: 0.7}}
	svc := NewService(
		session.NewManager(session.NewMemoryStore(10, time.Hour)),
		model,
		ingestion.NewService(&fakeExtractor{}, time.Second),
		ingestion.NewValidator(1<<20),
		nil,
		stalledPublisher{},
		WithPublishTimeout(20*time.Millisecond),
	)
	t.Cleanup(svc.Close)
	ctx := context.Background()

	_, err := svc.UpdateFields(ctx, sid, Fields{ClinicalNotes: "changing mole"})
	require.NoError(t, err)

	start := time.Now()
	st, err := svc.Classify(ctx, sid)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, st.Result)
	assert.Equal(t, "Melanoma", st.Result.Classification)
}

func TestAbandonedBusyFlagExpires(t *testing.T) {
	h := newHarness(t, WithStaleAfter(time.Minute))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return now }

	_, err := h.svc.sessions.Update(ctx, sid, func(st *session.State) error {
		st.ClinicalNotes = "mass"
		st.Classifying = true
		st.ClassifyingAt = now.Add(-30 * time.Second)
		return nil
	})
	require.NoError(t, err)

	_, err = h.svc.Classify(ctx, sid)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, h.state(t).Classifying)

	now = now.Add(2 * time.Minute)
	assert.False(t, h.state(t).Classifying)

	st, err := h.svc.Classify(ctx, sid)
	require.NoError(t, err)
	assert.NotNil(t, st.Result)
	assert.False(t, st.Classifying)
	assert.Equal(t, 1, h.model.classifyCalls())
}

func TestAbandonedIngestionUnlocksDemographics(t *testing.T) {
	h := newHarness(t, WithStaleAfter(time.Minute))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return now }

	_, err := h.svc.sessions.Update(ctx, sid, func(st *session.State) error {
		st.DemographicsFile = &ingestion.File{Name: "intake.pdf"}
		st.DemographicsParsing = true
		st.ParsingAt = now.Add(-time.Hour)
		st.IngestionID = "gone"
		return nil
	})
	require.NoError(t, err)

	st, err := h.svc.UpdateFields(ctx, sid, Fields{Demographics: models.Demographics{Age: "70"}})
	require.NoError(t, err)
	assert.False(t, st.DemographicsParsing)
	assert.False(t, st.DemographicsLocked())
	assert.Equal(t, "70", st.Demographics.Age)
}
