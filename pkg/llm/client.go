// Package llm is the boundary to the external generative model. It owns the three
// fixed prompt/schema contracts (classification, grounded information, demographics
// extraction) and turns raw model output into validated domain values.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

var (
	ErrEmptyResponse   = errors.New("empty response from model")
	ErrInvalidJSON     = errors.New("model returned invalid JSON")
	ErrSchemaViolation = errors.New("model response violates schema")
)

// Generator is the slice of the genai Models service this package depends on.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	gen     Generator
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// New connects to the Gemini API.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return NewWithGenerator(gc.Models, cfg.Model, cfg.Timeout), nil
}

func NewWithGenerator(gen Generator, model string, timeout time.Duration) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Log.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Client{
		gen:     gen,
		model:   model,
		timeout: timeout,
		breaker: breaker,
	}
}

func (c *Client) generate(ctx context.Context, op string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.gen.GenerateContent(ctx, c.model, contents, config)
	})
	entry := logger.Log.WithFields(map[string]interface{}{
		"operation": op,
		"model":     c.model,
		"duration":  time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Model call failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	entry.Debug("Model call completed")

	resp, _ := out.(*genai.GenerateContentResponse)
	return resp, nil
}

// Classify sends the assembled case to the classifier and validates the structured reply.
func (c *Client) Classify(ctx context.Context, in models.CaseInput) (*models.ClassificationResult, error) {
	contents := []*genai.Content{userText(buildClassificationPrompt(in))}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: classificationSystemInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    classificationSchema,
	}

	resp, err := c.generate(ctx, "classify", contents, config)
	if err != nil {
		return nil, err
	}
	return parseClassification(responseText(resp))
}

// FetchGroundedInfo asks for a web-grounded overview of the given cancer type.
func (c *Client) FetchGroundedInfo(ctx context.Context, cancerType string) (*models.GroundedInfo, error) {
	contents := []*genai.Content{userText(buildGroundedInfoPrompt(cancerType))}
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}

	resp, err := c.generate(ctx, "grounded_info", contents, config)
	if err != nil {
		return nil, err
	}

	summary := responseText(resp)
	if strings.TrimSpace(summary) == "" {
		return nil, fmt.Errorf("grounded_info: %w", ErrEmptyResponse)
	}
	return &models.GroundedInfo{Summary: summary, Sources: groundingSources(resp)}, nil
}

// ExtractDemographics sends a document inline and returns the model's best guess
// for the four demographic fields.
func (c *Client) ExtractDemographics(ctx context.Context, data []byte, mediaType string) (models.Demographics, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mediaType, Data: data}},
			{Text: demographicsExtractionPrompt},
		},
	}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   demographicsSchema,
	}

	resp, err := c.generate(ctx, "extract_demographics", contents, config)
	if err != nil {
		return models.Demographics{}, err
	}
	return parseDemographics(responseText(resp))
}

func userText(text string) *genai.Content {
	return &genai.Content{Role: "user", Parts: []*genai.Part{{Text: text}}}
}

// responseText concatenates the text parts of the first candidate, skipping thoughts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func groundingSources(resp *genai.GenerateContentResponse) []models.GroundingSource {
	sources := []models.GroundingSource{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return sources
	}
	meta := resp.Candidates[0].GroundingMetadata
	if meta == nil {
		return sources
	}
	for _, chunk := range meta.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, models.GroundingSource{URI: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return sources
}

func parseClassification(text string) (*models.ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("classify: %w", ErrEmptyResponse)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		logger.Log.WithField("response_length", len(text)).Error("Failed to parse classification response")
		return nil, fmt.Errorf("classify: %w: %v", ErrInvalidJSON, err)
	}
	for _, key := range classificationRequired {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("classify: %w: missing %q", ErrSchemaViolation, key)
		}
	}

	var result models.ClassificationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("classify: %w: %v", ErrSchemaViolation, err)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("classify: %w: %v", ErrSchemaViolation, err)
	}
	return &result, nil
}

func parseDemographics(text string) (models.Demographics, error) {
	if strings.TrimSpace(text) == "" {
		return models.Demographics{}, fmt.Errorf("extract_demographics: %w", ErrEmptyResponse)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		logger.Log.WithField("response_length", len(text)).Error("Failed to parse demographics extraction response")
		return models.Demographics{}, fmt.Errorf("extract_demographics: %w: %v", ErrInvalidJSON, err)
	}
	return models.DemographicsFromMap(raw), nil
}

// ErrorClass names the kind of failure for logs and events without exposing its text.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	case errors.Is(err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transport"
	}
}
