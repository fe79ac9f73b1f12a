package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
)

const (
	MethodJSON       = "json"
	MethodExtraction = "extraction"
)

// Extractor pulls demographics out of a binary document.
type Extractor interface {
	ExtractDemographics(ctx context.Context, data []byte, mediaType string) (models.Demographics, error)
}

// File is an upload held in session state.
type File struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
	Data      []byte `json:"data"`
}

type Result struct {
	Demographics models.Demographics
	MediaType    string
	Method       string
	Duration     time.Duration
}

// Service turns a demographics upload into the four demographic fields.
type Service struct {
	extractor Extractor
	timeout   time.Duration
}

func NewService(extractor Extractor, timeout time.Duration) *Service {
	return &Service{extractor: extractor, timeout: timeout}
}

// Process reads the file while reporting progress, then parses JSON locally or hands
// any other document to the extractor. progress is not closed.
func (s *Service) Process(ctx context.Context, f File, progress chan<- int) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := ReadWithProgress(ctx, bytes.NewReader(f.Data), int64(len(f.Data)), progress)
	if err != nil {
		return nil, FileError{Slot: SlotDemographics, Name: f.Name, reason: fmt.Errorf("%w: %v", ErrUnreadable, err)}
	}

	if IsJSON(f.Name, f.MediaType) {
		demographics, err := ParseDemographicsJSON(data)
		if err != nil {
			return nil, FileError{Slot: SlotDemographics, Name: f.Name, reason: err}
		}
		return &Result{
			Demographics: demographics,
			MediaType:    MediaTypeJSON,
			Method:       MethodJSON,
			Duration:     time.Since(start),
		}, nil
	}

	mediaType := ResolveMediaType(f.Name, f.MediaType, data)
	logger.Log.WithFields(map[string]interface{}{
		"media_type": mediaType,
		"size":       len(data),
	}).Debug("Sending demographics document for extraction")

	demographics, err := s.extractor.ExtractDemographics(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("extracting demographics: %w", err)
	}
	return &Result{
		Demographics: demographics,
		MediaType:    mediaType,
		Method:       MethodExtraction,
		Duration:     time.Since(start),
	}, nil
}

// ParseDemographicsJSON maps a JSON object's age, sex, bmi and bloodPressure keys onto
// Demographics. Missing or null keys stay blank.
func ParseDemographicsJSON(data []byte) (models.Demographics, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.Demographics{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if raw == nil {
		return models.Demographics{}, fmt.Errorf("%w: not an object", ErrMalformedJSON)
	}
	return models.DemographicsFromMap(raw), nil
}
