package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"auth word", errors.New("authentication rejected"), ErrorTypeAuthentication, false},
		{"401", errors.New("websocket dial failed (HTTP 401): bad handshake"), ErrorTypeAuthentication, false},
		{"timeout word", errors.New("i/o timeout"), ErrorTypeTimeout, true},
		{"dial", errors.New("dial tcp 127.0.0.1:9999: connection refused"), ErrorTypeConnection, true},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cerr := Classify(tt.err, "")
			assert.Equal(t, tt.wantType, cerr.Type)
			assert.Equal(t, tt.retryable, cerr.Retryable)
		})
	}
}

func TestClassifyAddsScope(t *testing.T) {
	cerr := Classify(errors.New("boom"), "transport connect")
	assert.Equal(t, "transport connect: boom", cerr.Message)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	cerr := Classify(fmt.Errorf("wrapped: %w", inner), "")
	assert.ErrorIs(t, cerr, inner)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(NewAuthError("no token", nil)))
	assert.True(t, IsRetryable(Classify(errors.New("connection refused"), "")))
	assert.True(t, IsRetryable(errors.New("plain error")))
}
