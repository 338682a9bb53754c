package greeting

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Field limits, matching the column sizes in migrations/001_init.sql.
const (
	MaxTitleLen   = 128
	MaxMessageLen = 1024
	MaxEmailLen   = 64
)

var (
	// nonWord matches a single character outside [A-Za-z0-9_]. Each match is
	// replaced by exactly one space so sanitized text keeps its length.
	nonWord = regexp.MustCompile(`\W`)

	// emailPattern is a deliberately loose local@domain.tld check, not an
	// RFC 5322 validator. Anything that fails it is rejected outright.
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidationError marks malformed or missing submission input. The API layer
// maps it to a 400 response whose message names the offending field.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Submission is the typed request schema for POST /greeting/. Unknown or
// mistyped JSON fields are rejected at decode time by the API layer.
type Submission struct {
	CardID  *int64 `json:"greeting_card,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Email   string `json:"email"`
}

// Sanitize replaces every character that is not alphanumeric or underscore
// with a single space. Length and ordering of the input are preserved; this
// defends downstream templates against injection without changing field
// length semantics.
func Sanitize(s string) string {
	return nonWord.ReplaceAllString(s, " ")
}

// Validate sanitizes and validates a submission into a Greeting value ready
// for persistence. It has no side effects: on failure nothing is partially
// written anywhere.
func (s *Submission) Validate() (*Greeting, error) {
	if s.Message == "" {
		return nil, validationErrorf("invalid greeting: missing message")
	}
	if s.Email == "" {
		return nil, validationErrorf("invalid greeting: missing email")
	}

	title := Sanitize(s.Title)
	message := Sanitize(s.Message)

	if allSpaces(message) {
		return nil, validationErrorf("invalid greeting: message is empty after sanitization")
	}
	if utf8.RuneCountInString(message) > MaxMessageLen {
		return nil, validationErrorf("invalid greeting: message exceeds %d characters", MaxMessageLen)
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return nil, validationErrorf("invalid greeting: title exceeds %d characters", MaxTitleLen)
	}
	if utf8.RuneCountInString(s.Email) > MaxEmailLen {
		return nil, validationErrorf("invalid greeting: email exceeds %d characters", MaxEmailLen)
	}
	if !emailPattern.MatchString(s.Email) {
		return nil, validationErrorf("invalid greeting: invalid email address")
	}

	return &Greeting{
		CardID:  s.CardID,
		Title:   title,
		Message: message,
		Email:   s.Email,
	}, nil
}

func allSpaces(s string) bool {
	for _, r := range s {
		if r != ' ' {
			return false
		}
	}
	return true
}
