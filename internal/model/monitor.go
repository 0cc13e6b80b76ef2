package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorEventType names what happened to an attempt.
type MonitorEventType string

const (
	MonitorStarted   MonitorEventType = "started"
	MonitorViolation MonitorEventType = "violation"
	MonitorSubmitted MonitorEventType = "submitted"
)

// MonitorEvent is published on an assessment's monitor channel and relayed to
// admins as-is.
type MonitorEvent struct {
	Type      MonitorEventType    `json:"type"`
	AttemptID uuid.UUID           `json:"attempt_id"`
	StudentID int                 `json:"student_id"`
	Category  ViolationCategory   `json:"category,omitempty"`
	Metadata  *ProctoringMetadata `json:"metadata,omitempty"`
	Reason    SubmitReason        `json:"reason,omitempty"`
	At        time.Time           `json:"at"`
}
