package session

import (
	"time"

	"tts-gateway/internal/core/audio"
)

// Status is the lifecycle state of a session. Transitions are monotonic; a
// session never moves backwards.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition encodes the legal transition graph:
// Pending -> Streaming -> Completed | Failed | Cancelled, and
// Pending -> Cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusStreaming || to == StatusCancelled
	case StatusStreaming:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Session is a single utterance's lifecycle from admission to terminal state.
type Session struct {
	ID                 string
	ProviderID         string
	VoiceID            string
	Language           string
	Text               string
	TargetFormat       audio.Format
	TargetSampleRateHz int

	Status        Status
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	FailureReason string
}
