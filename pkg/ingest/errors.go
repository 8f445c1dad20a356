package ingest

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reason classifies why a document could not be turned into text.
type Reason string

const (
	ReasonUnsupportedFormat Reason = "unsupported-format"
	ReasonDecode            Reason = "decode"
	ReasonParse             Reason = "parse"
	ReasonIO                Reason = "io"
)

// Error is the failure of ingesting a single file.
type Error struct {
	File   string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("error extracting text from %s: %v", e.File, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the reason carried by an ingestion error.
func ReasonOf(err error) (Reason, bool) {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr.Reason, true
	}
	return "", false
}
