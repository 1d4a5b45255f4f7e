package changeset

import (
	"errors"
	"fmt"
)

// The validator reports three error classes. They are real error types
// so callers can errors.As on them, and each converts to a Finding for
// the API response.

// ValidationError is a structural or format problem in a single field.
type ValidationError struct {
	ChangeID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ReferentialError is a dangling reference: a change points at an id
// that exists neither in current state nor in an earlier create within
// the same batch.
type ReferentialError struct {
	ChangeID     string
	MissingID    string
	ReferencedBy string
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("reference to missing id %q from %s", e.MissingID, e.ReferencedBy)
}

// ConflictError is a cross-change contradiction within the batch or
// between the batch and current state.
type ConflictError struct {
	ChangeID    string
	Reason      string
	InvolvedIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s (involved: %v)", e.Reason, e.InvolvedIDs)
}

// Finding is the wire form of a validation error or warning.
// Tag is the taxonomy class: "validation", "referential" or "conflict".
type Finding struct {
	Tag          string   `json:"tag"`
	ChangeID     string   `json:"change_id,omitempty"`
	Field        string   `json:"field,omitempty"`
	Reason       string   `json:"reason"`
	MissingID    string   `json:"missing_id,omitempty"`
	ReferencedBy string   `json:"referenced_by,omitempty"`
	InvolvedIDs  []string `json:"involved_ids,omitempty"`
}

// FindingFromError converts a typed validator error into its wire form.
func FindingFromError(err error) Finding {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Finding{Tag: "validation", ChangeID: ve.ChangeID, Field: ve.Field, Reason: ve.Reason}
	}
	var re *ReferentialError
	if errors.As(err, &re) {
		return Finding{
			Tag:          "referential",
			ChangeID:     re.ChangeID,
			MissingID:    re.MissingID,
			ReferencedBy: re.ReferencedBy,
			Reason:       re.Error(),
		}
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return Finding{Tag: "conflict", ChangeID: ce.ChangeID, Reason: ce.Reason, InvolvedIDs: ce.InvolvedIDs}
	}
	return Finding{Tag: "validation", Reason: err.Error()}
}

// ValidationResult is the complete outcome of validating a change set.
// All errors are reported in one pass, never one at a time.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
}

func (r *ValidationResult) addError(err error) {
	r.Errors = append(r.Errors, FindingFromError(err))
}

func (r *ValidationResult) addWarning(changeID, field, reason string) {
	r.Warnings = append(r.Warnings, Finding{Tag: "validation", ChangeID: changeID, Field: field, Reason: reason})
}
