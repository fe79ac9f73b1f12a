// Package session holds the per-visitor form state and the stores that keep it
// between requests.
package session

import (
	"time"

	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/ingestion"
)

// ProgressHold is how long a finished progress bar stays on screen.
const ProgressHold = time.Second

// State is everything the case page renders. Pages are a pure function of it.
type State struct {
	ID string `json:"id"`

	ClinicalNotes  string              `json:"clinical_notes"`
	MedicalHistory string              `json:"medical_history"`
	FamilyHistory  string              `json:"family_history"`
	Demographics   models.Demographics `json:"demographics"`

	GeneFile         *ingestion.File `json:"gene_file,omitempty"`
	ImagingFile      *ingestion.File `json:"imaging_file,omitempty"`
	DemographicsFile *ingestion.File `json:"demographics_file,omitempty"`

	DemographicsParsing  bool      `json:"demographics_parsing"`
	DemographicsLoaded   bool      `json:"demographics_loaded"`
	DemographicsProgress *int      `json:"demographics_progress,omitempty"`
	ProgressHideAt       time.Time `json:"progress_hide_at,omitempty"`
	// IngestionID identifies the in-flight ingestion; results carrying another id are stale.
	IngestionID string    `json:"ingestion_id,omitempty"`
	ParsingAt   time.Time `json:"parsing_at,omitempty"`

	Classifying    bool                         `json:"classifying"`
	ClassifyingAt  time.Time                    `json:"classifying_at,omitempty"`
	FetchingInfo   bool                         `json:"fetching_info"`
	FetchingInfoAt time.Time                    `json:"fetching_info_at,omitempty"`
	Error          string                       `json:"error,omitempty"`
	Result         *models.ClassificationResult `json:"result,omitempty"`
	GroundedInfo   *models.GroundedInfo         `json:"grounded_info,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(id string) *State {
	now := time.Now().UTC()
	return &State{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Clone copies the state deeply enough that mutating the copy never reaches the
// original. Files, results and grounded info are replaced wholesale, never edited.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.DemographicsProgress != nil {
		p := *s.DemographicsProgress
		c.DemographicsProgress = &p
	}
	return &c
}

func (s *State) File(slot ingestion.Slot) *ingestion.File {
	switch slot {
	case ingestion.SlotGene:
		return s.GeneFile
	case ingestion.SlotImaging:
		return s.ImagingFile
	case ingestion.SlotDemographics:
		return s.DemographicsFile
	}
	return nil
}

func (s *State) SetFile(slot ingestion.Slot, f *ingestion.File) {
	switch slot {
	case ingestion.SlotGene:
		s.GeneFile = f
	case ingestion.SlotImaging:
		s.ImagingFile = f
	case ingestion.SlotDemographics:
		s.DemographicsFile = f
	}
}

// DemographicsLocked reports whether manual demographics entry is disabled.
func (s *State) DemographicsLocked() bool {
	return s.DemographicsFile != nil
}

// HasCaseData reports whether there is anything to classify. Any non-empty text
// counts, whitespace included.
func (s *State) HasCaseData() bool {
	return s.ClinicalNotes != "" ||
		s.MedicalHistory != "" ||
		s.FamilyHistory != "" ||
		s.GeneFile != nil ||
		s.ImagingFile != nil
}

// CanClassify mirrors the submit button's enabled state.
func (s *State) CanClassify() bool {
	return s.HasCaseData() && !s.Classifying
}

// ExpireStaleWork clears busy flags set more than after ago. A process that died
// mid-call never clears its own flags, and a persisted session would otherwise stay
// busy until it expires. It reports whether anything changed.
func (s *State) ExpireStaleWork(now time.Time, after time.Duration) bool {
	if after <= 0 {
		return false
	}
	stale := func(since time.Time) bool { return now.Sub(since) > after }

	changed := false
	if s.Classifying && stale(s.ClassifyingAt) {
		s.Classifying = false
		s.ClassifyingAt = time.Time{}
		changed = true
	}
	if s.FetchingInfo && stale(s.FetchingInfoAt) {
		s.FetchingInfo = false
		s.FetchingInfoAt = time.Time{}
		changed = true
	}
	if s.DemographicsParsing && stale(s.ParsingAt) {
		s.ClearDemographics()
		changed = true
	}
	return changed
}

func (s *State) Busy() bool {
	return s.DemographicsParsing || s.Classifying || s.FetchingInfo
}

// ProgressVisible reports whether the progress bar is shown at now.
func (s *State) ProgressVisible(now time.Time) bool {
	if s.DemographicsProgress == nil {
		return false
	}
	return s.DemographicsParsing || now.Before(s.ProgressHideAt)
}

// Progress returns the displayed percentage, or -1 when hidden.
func (s *State) Progress(now time.Time) int {
	if !s.ProgressVisible(now) {
		return -1
	}
	return *s.DemographicsProgress
}

// SetProgress records a new percentage; values never go backwards.
func (s *State) SetProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if s.DemographicsProgress != nil && *s.DemographicsProgress >= pct {
		return
	}
	s.DemographicsProgress = &pct
}

// ClearDemographics blanks and unlocks the demographics fields and forgets the file.
func (s *State) ClearDemographics() {
	s.Demographics = models.Demographics{}
	s.DemographicsFile = nil
	s.DemographicsLoaded = false
	s.DemographicsParsing = false
	s.DemographicsProgress = nil
	s.ProgressHideAt = time.Time{}
	s.IngestionID = ""
	s.ParsingAt = time.Time{}
}
