package casework

import (
	"errors"

	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/llm"
)

// Messages shown on the case page.
const (
	MsgNoCaseData           = "Please provide patient history or a data file (gene data, imaging report)."
	MsgIngestionFailed      = "Failed to process demographics file. Please check the file content and try again."
	MsgClassificationFailed = "Failed to get classification. The model may be unable to process the request. Please check your input and try again."
	MsgGroundedInfoFailed   = "Failed to fetch detailed information. Please try again later."
)

var (
	// ErrBusy refuses an operation while a conflicting one is in flight.
	ErrBusy = errors.New("operation already in progress")
	// ErrNoResult refuses a grounded-information lookup before any classification.
	ErrNoResult = errors.New("no classification result")

	errStale = errors.New("stale update")
)

type ValidationError struct {
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ingestion.ErrMalformedJSON):
		return "malformed_json"
	case errors.Is(err, ingestion.ErrUnreadable):
		return "unreadable"
	case errors.Is(err, ingestion.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ingestion.ErrTooLarge):
		return "too_large"
	default:
		return llm.ErrorClass(err)
	}
}
