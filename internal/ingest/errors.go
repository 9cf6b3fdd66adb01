package ingest

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed extraction payload. The write is
// rejected before anything touches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("ingest: invalid payload: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError anywhere in its
// chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
