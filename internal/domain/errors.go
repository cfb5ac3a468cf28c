package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Everything except ErrRetryExhausted degrades to inline
// placeholders or silent no-ops.
var (
	ErrMalformedTag        = errors.New("malformed tag")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrToolFailure         = errors.New("tool failure")
	ErrRetryExhausted      = errors.New("retry exhausted")
	ErrPersistence         = errors.New("persistence failure")
)

// TagError describes a tag that could not be turned into its segment.
type TagError struct {
	Tag  string
	Arg  string
	Kind error
}

func (e *TagError) Error() string {
	return fmt.Sprintf("%s: [%s:%s]", e.Kind, e.Tag, e.Arg)
}

func (e *TagError) Unwrap() error { return e.Kind }

// Placeholder is the user-visible text rendered in place of the tag.
func (e *TagError) Placeholder() string {
	switch {
	case errors.Is(e.Kind, ErrUnresolvedReference):
		return fmt.Sprintf("[%s not found: %s]", e.Tag, e.Arg)
	case e.Arg == "":
		return fmt.Sprintf("[%s: missing argument]", e.Tag)
	default:
		return fmt.Sprintf("[%s: invalid argument %s]", e.Tag, e.Arg)
	}
}
