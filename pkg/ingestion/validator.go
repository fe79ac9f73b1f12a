package ingestion

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrUnreadable      = errors.New("file could not be read")
	ErrMalformedJSON   = errors.New("malformed JSON")
)

// FileError scopes a failure to one upload slot.
type FileError struct {
	Slot   Slot
	Name   string
	reason error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s file %q: %v", e.Slot, e.Name, e.reason)
}

func (e FileError) Unwrap() error {
	return e.reason
}

func IsFileError(err error) bool {
	var fe FileError
	return errors.As(err, &fe)
}

// UserMessage is the text shown next to a rejected upload.
func (e FileError) UserMessage() string {
	switch {
	case errors.Is(e.reason, ErrUnsupportedType):
		return fmt.Sprintf("Invalid file type. Please upload one of: %s", e.Slot.Accept())
	case errors.Is(e.reason, ErrTooLarge):
		return "File is too large."
	default:
		return "The file could not be read."
	}
}

type Validator struct {
	maxBytes int64
}

func NewValidator(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// Validate checks an upload against its slot before anything is stored.
func (v *Validator) Validate(slot Slot, name string, size int64) error {
	if v == nil {
		return FileError{Slot: slot, Name: name, reason: errors.New("validator not initialised")}
	}
	if _, ok := acceptedExtensions[slot]; !ok {
		return FileError{Slot: slot, Name: name, reason: fmt.Errorf("unknown slot: %w", ErrUnsupportedType)}
	}
	if !extensionAllowed(slot, name) {
		return FileError{Slot: slot, Name: name, reason: fmt.Errorf("extension %q not in %s: %w", Extension(name), slot.Accept(), ErrUnsupportedType)}
	}
	if v.maxBytes > 0 && size > v.maxBytes {
		return FileError{Slot: slot, Name: name, reason: fmt.Errorf("%d bytes exceeds %d: %w", size, v.maxBytes, ErrTooLarge)}
	}
	return nil
}
