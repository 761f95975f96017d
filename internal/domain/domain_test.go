package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTitle(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		wantErr bool
	}{
		{"simple", "My Show", false},
		{"dash and underscore", "late_night-show 2", false},
		{"max length", strings.Repeat("a", 100), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"punctuation", "My Show!", true},
		{"slash", "a/b", true},
		{"non ascii", "café", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTitle(tt.title)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorMatchesByKind(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("start broadcast: %w", WrapError(cause, KindNegotiationFailed, "publish offer"))

	assert.ErrorIs(t, err, ErrNegotiationFailed)
	assert.NotErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindNegotiationFailed, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
}

func TestConflictErrorCarriesActiveStream(t *testing.T) {
	err := NewConflictError(ActiveStream{ID: "s1", Title: "My Show"})

	e, ok := AsError(err)
	require.True(t, ok)
	require.NotNil(t, e.ActiveStream)
	assert.Equal(t, "My Show", e.ActiveStream.Title)
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestParseCaptureSource(t *testing.T) {
	src, err := ParseCaptureSource("screen")
	require.NoError(t, err)
	assert.Equal(t, CaptureScreen, src)

	_, err = ParseCaptureSource("window")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
