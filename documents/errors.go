package documents

import (
	"errors"
	"fmt"
)

// Operational errors: the request was well-formed but names an action the
// engine refuses. Callers match them with errors.Is.
var (
	// ErrDocumentNotFound is returned by lifecycle operations addressing a
	// documentId with no entries in scope.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrDraftNotDeletable rejects delete calls that explicitly target the
	// draft version of a draft-and-publish type. Drafts are discarded or
	// superseded by publish, never deleted on their own.
	ErrDraftNotDeletable = errors.New("documents: draft versions cannot be deleted directly")
	// ErrDraftAndPublishDisabled rejects publish, unpublish and discardDraft
	// on types without the draft-and-publish capability.
	ErrDraftAndPublishDisabled = errors.New("documents: draft and publish is disabled for this type")
)

// ValidationError reports a malformed or disallowed request parameter. It is
// the only error kind the parameter pipeline produces, so callers can map it
// to a client-facing status separately from operational and storage errors.
type ValidationError struct {
	// Path locates the offending parameter, e.g. "locale" or "filters.title".
	Path string
	// Value is the rejected raw value. May be nil when the problem is the
	// key itself.
	Value any
	// Reason says what was wrong in one clause.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("documents: invalid parameter %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("documents: invalid parameter %q (%v): %s", e.Path, e.Value, e.Reason)
}

func validationErr(path string, value any, reason string) *ValidationError {
	return &ValidationError{Path: path, Value: value, Reason: reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
