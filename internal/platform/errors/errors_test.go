package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "error with cause",
			err: Wrap(KindConfig, "load", "failed to load config",
				errors.New("file not found")),
			contains: []string{"[config:load]", "failed to load config", "file not found"},
		},
		{
			name:     "error without cause",
			err:      New(KindValidation, "create_session", "text must not be empty"),
			contains: []string{"[validation:create_session]", "text must not be empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			for _, substr := range tt.contains {
				if !strings.Contains(errStr, substr) {
					t.Errorf("error string %q does not contain %q", errStr, substr)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	wrappedErr := Wrap(KindProvider, "open_stream", "wrapped", originalErr)

	if !errors.Is(wrappedErr, originalErr) {
		t.Error("Unwrap should return the original error")
	}
}

func TestIsKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		expected bool
	}{
		{
			name:     "direct error kind match",
			err:      New(KindQueueFull, "enqueue", "queue at capacity"),
			kind:     KindQueueFull,
			expected: true,
		},
		{
			name:     "wrapped error kind match",
			err:      Wrap(KindTranscode, "transcode", "ffmpeg exited", errors.New("exit status 1")),
			kind:     KindTranscode,
			expected: true,
		},
		{
			name:     "error kind mismatch",
			err:      New(KindRateLimited, "admit", "window exhausted"),
			kind:     KindBreakerOpen,
			expected: false,
		},
		{
			name:     "non-typed error",
			err:      errors.New("plain error"),
			kind:     KindProvider,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsKind(tt.err, tt.kind)
			if result != tt.expected {
				t.Errorf("IsKind() = %v, expected %v", result, tt.expected)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(New(KindShutdown, "stream", "shutting down")); got != KindShutdown {
		t.Errorf("KindOf() = %v, expected %v", got, KindShutdown)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf() = %v, expected %v", got, KindUnknown)
	}
}
