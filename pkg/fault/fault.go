package fault

import (
	"errors"
	"fmt"
)

const (
	Validation = "validation"
	NotFound   = "not_found"
	Downstream = "downstream"
	Transport  = "transport"
	Internal   = "internal"
)

// Error is a categorized failure. The category decides how the dispatcher
// answers the user; Detail is safe to show.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a categorized error.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap categorizes err, keeping it reachable through errors.Is/As.
func Wrap(category string, detail string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Detail: detail, Err: err}
}

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// NotFoundf builds a not-found error from a format string.
func NotFoundf(format string, args ...any) error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// CategoryOf returns the category for err. Uncategorized errors are internal.
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return Internal
}

// Is reports whether err carries the given category.
func Is(err error, category string) bool {
	return err != nil && CategoryOf(err) == category
}

// DetailOf returns the user-safe detail of a categorized error, or fallback.
func DetailOf(err error, fallback string) string {
	var categorized *Error
	if errors.As(err, &categorized) && categorized.Detail != "" {
		return categorized.Detail
	}
	return fallback
}
