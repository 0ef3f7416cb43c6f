// Package security provides security utilities for input validation,
// sanitization, and sensitive data masking.
package security

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Validation limits for API requests.
const (
	// Question limits.
	MinQuestionLength = 1
	MaxQuestionLength = 4000

	// Result limits.
	MinLimit     = 1
	MaxLimit     = 50
	DefaultLimit = 5

	// Threshold limits.
	MinThreshold     = 0.0
	MaxThreshold     = 1.0
	DefaultThreshold = 0.3

	// Eval example metadata limits.
	MaxCategoryLength = 64

	// Content limits.
	MaxRequestSize = 1 * 1024 * 1024 // 1MB
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// ValidateQuestion validates a question or query string.
// Requirements: Required, 1-4000 chars after trimming, valid UTF-8.
func ValidateQuestion(field, question string) error {
	if strings.TrimSpace(question) == "" {
		return &ValidationError{
			Field:      field,
			Constraint: "required",
		}
	}

	if !utf8.ValidString(question) {
		return &ValidationError{
			Field:      field,
			Constraint: "must be valid UTF-8",
		}
	}

	length := utf8.RuneCountInString(question)
	if length > MaxQuestionLength {
		return &ValidationError{
			Field:      field,
			Value:      length,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxQuestionLength),
		}
	}

	return nil
}

// ValidateLimit validates the limit parameter.
// Requirements: 1-50.
func ValidateLimit(limit int) error {
	if limit < MinLimit {
		return &ValidationError{
			Field:      "limit",
			Value:      limit,
			Constraint: fmt.Sprintf("minimum value is %d", MinLimit),
		}
	}

	if limit > MaxLimit {
		return &ValidationError{
			Field:      "limit",
			Value:      limit,
			Constraint: fmt.Sprintf("maximum value is %d", MaxLimit),
		}
	}

	return nil
}

// ValidateThreshold validates a similarity threshold.
// Requirements: 0.0-1.0.
func ValidateThreshold(threshold float64) error {
	if threshold < MinThreshold || threshold > MaxThreshold || math.IsNaN(threshold) {
		return &ValidationError{
			Field:      "threshold",
			Value:      threshold,
			Constraint: fmt.Sprintf("must be between %.1f and %.1f", MinThreshold, MaxThreshold),
		}
	}
	return nil
}

// ValidateCategory validates an optional eval example label.
func ValidateCategory(field, value string) error {
	if utf8.RuneCountInString(value) > MaxCategoryLength {
		return &ValidationError{
			Field:      field,
			Value:      utf8.RuneCountInString(value),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxCategoryLength),
		}
	}
	return nil
}

// RetrievalRequestValidator validates question/limit/threshold triples.
// Zero values are replaced with defaults before validation.
type RetrievalRequestValidator struct {
	Field     string
	Question  string
	Limit     *int
	Threshold *float64
}

// Validate applies defaults and validates all fields.
func (v *RetrievalRequestValidator) Validate() error {
	field := v.Field
	if field == "" {
		field = "question"
	}
	if err := ValidateQuestion(field, v.Question); err != nil {
		return err
	}

	if v.Limit != nil {
		if *v.Limit == 0 {
			*v.Limit = DefaultLimit
		}
		if err := ValidateLimit(*v.Limit); err != nil {
			return err
		}
	}

	if v.Threshold != nil {
		if err := ValidateThreshold(*v.Threshold); err != nil {
			return err
		}
	}

	return nil
}
