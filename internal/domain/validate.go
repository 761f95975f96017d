package domain

import (
	"regexp"
	"unicode/utf8"
)

const MaxTitleLength = 100

var titleRegex = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// ValidateTitle checks a stream title before anything is sent to the backend.
func ValidateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return NewError(KindInvalidInput, "title is required")
	}
	if n > MaxTitleLength {
		return NewError(KindInvalidInput, "title is too long (max 100 characters)")
	}
	if !titleRegex.MatchString(title) {
		return NewError(KindInvalidInput, "title contains invalid characters (only letters, numbers, spaces, _ and - allowed)")
	}
	return nil
}
