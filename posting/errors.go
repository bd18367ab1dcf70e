package posting

import "fmt"

// Kind classifies why a submission was refused.
type Kind string

const (
	// KindRestriction means the identity is banned or timed out.
	KindRestriction Kind = "restriction"
	// KindValidation means the submission itself was malformed or not allowed.
	KindValidation Kind = "validation"
	// KindResource means uploads could not be processed.
	KindResource Kind = "resource"
	// KindPersistence means a store failed unexpectedly.
	KindPersistence Kind = "persistence"
)

// Error is a refused submission. Message is safe to show the poster.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func restriction(msg string) *Error {
	return &Error{Kind: KindRestriction, Message: msg}
}

func invalid(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func persistence(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}
