package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AutosaveSnapshot is the value compared between autosave ticks.
// TotalDurationSeconds is the allotted duration, so an idle session serializes identically.
type AutosaveSnapshot struct {
	Responses            Responses          `json:"responses"`
	Metadata             ProctoringMetadata `json:"metadata"`
	TotalDurationSeconds int                `json:"total_duration_seconds"`
}

// Empty reports whether there is nothing worth saving yet.
func (s AutosaveSnapshot) Empty() bool {
	return s.Responses.Count() == 0
}

// Key returns the canonical serialization used for no-op save avoidance.
// encoding/json sorts map keys, so equal snapshots yield equal bytes.
func (s AutosaveSnapshot) Key() ([]byte, error) {
	return json.Marshal(s)
}

// Timing is the session-timing part of the transcript.
type Timing struct {
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
	HiddenSeconds    int        `json:"hidden_seconds"`
	HiddenCount      int        `json:"hidden_count"`
}

// TranscriptMetadata groups timing and proctoring counters.
type TranscriptMetadata struct {
	Timing     Timing             `json:"timing"`
	Proctoring ProctoringMetadata `json:"proctoring"`
}

// Transcript is the audit record sent with every progress write.
type Transcript struct {
	Logs                 []ViolationEvent   `json:"logs"`
	Metadata             TranscriptMetadata `json:"metadata"`
	TotalDurationSeconds int                `json:"total_duration_seconds"`
}

// ProgressMetadata wraps the transcript the way the submission backend expects it.
type ProgressMetadata struct {
	Transcript Transcript `json:"transcript"`
}

// ProgressPayload is the body of both the autosave and the terminal submit call.
type ProgressPayload struct {
	AttemptID              uuid.UUID        `json:"attempt_id"`
	Slug                   string           `json:"slug"`
	StudentID              int              `json:"student_id"`
	Metadata               ProgressMetadata `json:"metadata"`
	Responses              Responses        `json:"responses"`
	QuizSectionID          string           `json:"quizSectionId,omitempty"`
	CodingProblemSectionID string           `json:"codingProblemSectionId,omitempty"`
	SessionEnd             bool             `json:"session_end,omitempty"`
	SubmissionConfirmed    bool             `json:"submission_confirmed,omitempty"`
	Reason                 SubmitReason     `json:"reason,omitempty"`
	SavedAt                time.Time        `json:"saved_at"`
}

// CodeDraft is a code-editor buffer cached outside the ResponseMap.
type CodeDraft struct {
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
