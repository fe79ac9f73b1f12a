package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Demographics holds the four patient vitals as entered or extracted. Values stay
// strings end to end; nothing downstream does arithmetic on them.
type Demographics struct {
	Age           string `json:"age"`
	Sex           string `json:"sex"`
	BMI           string `json:"bmi"`
	BloodPressure string `json:"bloodPressure"`
}

func (d Demographics) IsEmpty() bool {
	return d.Age == "" && d.Sex == "" && d.BMI == "" && d.BloodPressure == ""
}

// CaseInput is everything sent to the classifier in a single request.
type CaseInput struct {
	ClinicalNotes  string       `json:"clinical_notes"`
	MedicalHistory string       `json:"medical_history"`
	FamilyHistory  string       `json:"family_history"`
	GeneData       string       `json:"gene_data"`
	ImagingReport  string       `json:"imaging_report"`
	Demographics   Demographics `json:"demographics"`
}

type InfluentialMarker struct {
	Marker     string  `json:"marker"`
	Importance float64 `json:"importance"` // 0-100
}

type TopClassification struct {
	Type        string  `json:"type"`
	Probability float64 `json:"probability"` // 0-1
}

type TreatmentOption struct {
	OptionName    string `json:"optionName"`
	Description   string `json:"description"`
	Rationale     string `json:"rationale"`
	EvidenceLevel string `json:"evidenceLevel"` // Standard of Care, Emerging, Clinical Trial Option
}

type ClassificationResult struct {
	Classification     string              `json:"classification"`
	Confidence         float64             `json:"confidence"`
	Summary            string              `json:"summary"`
	InfluentialMarkers []InfluentialMarker `json:"influential_markers"`
	TopClassifications []TopClassification `json:"top_classifications"`
	TreatmentOptions   []TreatmentOption   `json:"treatment_options"`
}

// Validate checks the value ranges of the response contract.
func (r *ClassificationResult) Validate() error {
	if r.Classification == "" {
		return fmt.Errorf("classification label is empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	for _, m := range r.InfluentialMarkers {
		if m.Importance < 0 || m.Importance > 100 {
			return fmt.Errorf("marker %q importance %v outside [0,100]", m.Marker, m.Importance)
		}
	}
	for _, c := range r.TopClassifications {
		if c.Probability < 0 || c.Probability > 1 {
			return fmt.Errorf("classification %q probability %v outside [0,1]", c.Type, c.Probability)
		}
	}
	return nil
}

// GroundingSource is a web citation returned with grounded information.
type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// DisplayTitle falls back to the URI when the citation has no title.
func (s GroundingSource) DisplayTitle() string {
	if s.Title == "" {
		return s.URI
	}
	return s.Title
}

type GroundedInfo struct {
	Summary string            `json:"summary"`
	Sources []GroundingSource `json:"sources"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // demographics.ingested, case.classified, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// DemographicsFromMap maps a decoded JSON object onto the four demographic fields.
// Missing or null keys stay blank; numbers and booleans are stringified.
func DemographicsFromMap(m map[string]interface{}) Demographics {
	return Demographics{
		Age:           stringify(m["age"]),
		Sex:           stringify(m["sex"]),
		BMI:           stringify(m["bmi"]),
		BloodPressure: stringify(m["bloodPressure"]),
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
