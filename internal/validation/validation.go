package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/lughah/internal/localdate"
)

// MaxIdentifierLength bounds user, word and lesson identifiers.
const MaxIdentifierLength = 128

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is a set of validation failures usable as an error.
type Errors []ValidationError

func (es Errors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an error, or nil when there are none.
func (c *Collector) Err() error {
	if len(c.errors) == 0 {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error unless value is a canonical ULID, the id
// format of sync queue items.
func ValidateULID(field, value string) *ValidationError {
	if _, err := ulid.ParseStrict(value); err != nil {
		return &ValidationError{Field: field, Message: "must be a valid ULID"}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidateIdentifier checks a user, word or lesson id: required, valid UTF-8,
// no null bytes, bounded length.
func ValidateIdentifier(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, MaxIdentifierLength)
}

// ValidateXPDelta returns an error unless delta is a finite, non-negative
// whole number.
func ValidateXPDelta(field string, delta float64) *ValidationError {
	switch {
	case math.IsNaN(delta) || math.IsInf(delta, 0):
		return &ValidationError{Field: field, Message: "must be a finite number"}
	case delta < 0:
		return &ValidationError{Field: field, Message: "must not be negative"}
	case delta != math.Trunc(delta):
		return &ValidationError{Field: field, Message: "must be a whole number"}
	case delta > math.MaxInt64/2:
		return &ValidationError{Field: field, Message: "is too large"}
	}
	return nil
}

// ValidateLocalDate returns an error unless value is empty or a YYYY-MM-DD date.
func ValidateLocalDate(field, value string) *ValidationError {
	if value == "" || localdate.Valid(value) {
		return nil
	}
	return &ValidationError{Field: field, Message: "must be a date in YYYY-MM-DD format"}
}
