package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// WorkflowInput starts one appraisal of a card.
type WorkflowInput struct {
	UserID       string    `json:"userId" validate:"required"`
	CardID       string    `json:"cardId" validate:"required"`
	S3Keys       ImageRefs `json:"s3Keys" validate:"required"`
	RequestID    string    `json:"requestId" validate:"required"`
	ForceRefresh bool      `json:"forceRefresh,omitempty"`

	// Optional identification hints; the stored card record fills any gaps.
	CardName string `json:"cardName,omitempty"`
	SetName  string `json:"setName,omitempty"`
	Number   string `json:"number,omitempty"`
	Rarity   string `json:"rarity,omitempty"`
}

// Error type names carried in dead-letter records.
const (
	ErrTypeExtraction   = "ExtractionError"
	ErrTypeInvalidImage = "InvalidImageError"
	ErrTypeValidation   = "ValidationError"
	ErrTypePricing      = "PricingError"
	ErrTypeAuthenticity = "AuthenticityError"
	ErrTypePersistence  = "PersistenceError"
	ErrTypeOwnership    = "OwnershipError"
	ErrTypeNotFound     = "NotFoundError"
	ErrTypeCancelled    = "CancelledError"
	ErrTypeUnknown      = "UnknownError"
)

// ErrorInfo describes why a workflow could not complete.
type ErrorInfo struct {
	Type  string `json:"type"`
	Cause string `json:"cause"`
}

// PartialResults holds whatever stage outputs existed at failure time.
type PartialResults struct {
	Features           *FeatureEnvelope    `json:"features,omitempty"`
	PricingResult      *PricingResult      `json:"pricingResult,omitempty"`
	AuthenticityResult *AuthenticityResult `json:"authenticityResult,omitempty"`
}

// Available lists the names of the partial results present.
func (p PartialResults) Available() []string {
	var out []string
	if p.Features != nil {
		out = append(out, "features")
	}
	if p.PricingResult != nil {
		out = append(out, "pricingResult")
	}
	if p.AuthenticityResult != nil {
		out = append(out, "authenticityResult")
	}
	return out
}

// DeadLetterRecord is the durable description of an unrecoverable workflow
// failure.
type DeadLetterRecord struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	CardID         string         `json:"cardId"`
	RequestID      string         `json:"requestId"`
	Error          ErrorInfo      `json:"error"`
	PartialResults PartialResults `json:"partialResults"`
	Input          WorkflowInput  `json:"input"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TypedError is implemented by errors that name their dead-letter type.
type TypedError interface {
	error
	ErrorType() string
}

// ErrorType maps err onto a dead-letter error type name. The outermost
// TypedError in the chain wins. Deadline expiry is not a cancellation and
// maps to ErrTypeUnknown so callers can substitute a stage-specific type.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var typed TypedError
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	if errors.Is(err, context.Canceled) {
		return ErrTypeCancelled
	}
	return ErrTypeUnknown
}

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// ErrorType names the dead-letter error type.
func (e *ValidationError) ErrorType() string { return ErrTypeValidation }

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
