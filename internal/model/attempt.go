package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates the lifecycle of one assessment session.
type SessionState string

const (
	SessionInitializing     SessionState = "INITIALIZING"
	SessionRunning          SessionState = "RUNNING"
	SessionForcedSubmitting SessionState = "FORCED_SUBMITTING"
	SessionUserSubmitting   SessionState = "USER_SUBMITTING"
	SessionTerminated       SessionState = "TERMINATED"
)

// Submitting reports whether the state is one of the two submitting states.
func (s SessionState) Submitting() bool {
	return s == SessionForcedSubmitting || s == SessionUserSubmitting
}

// SubmitReason records which signal ended the session.
type SubmitReason string

const (
	ReasonNone       SubmitReason = ""
	ReasonTimeUp     SubmitReason = "time_up"
	ReasonViolations SubmitReason = "violations"
	ReasonUser       SubmitReason = "user"
)

// AssessmentSession identifies one attempt and its live lifecycle state.
type AssessmentSession struct {
	AttemptID        uuid.UUID    `json:"attempt_id"`
	Slug             string       `json:"slug"`
	StudentID        int          `json:"student_id"`
	StartedAt        time.Time    `json:"started_at"`
	DurationSeconds  int          `json:"duration_seconds"`
	RemainingSeconds int          `json:"remaining_seconds"`
	State            SessionState `json:"state"`
	Reason           SubmitReason `json:"reason,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}

// AttemptStatus is the persisted status of an attempt row.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSubmitted  AttemptStatus = "SUBMITTED"
)

// Attempt is the durable record of a session.
type Attempt struct {
	ID           uuid.UUID       `json:"id"`
	AssessmentID uuid.UUID       `json:"assessment_id"`
	StudentID    int             `json:"student_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       AttemptStatus   `json:"status"`
	Reason       SubmitReason    `json:"reason,omitempty"`
	Transcript   json.RawMessage `json:"transcript,omitempty"`
}
