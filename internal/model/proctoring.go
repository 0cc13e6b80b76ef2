package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationCategory classifies an integrity breach.
type ViolationCategory string

const (
	ViolationTabSwitch      ViolationCategory = "tab_switch"
	ViolationFullscreenExit ViolationCategory = "fullscreen_exit"
	ViolationFaceAbsent     ViolationCategory = "face_absent"
	ViolationMultipleFaces  ViolationCategory = "multiple_faces"
	ViolationDevTools       ViolationCategory = "devtools_attempt"
)

// Valid reports whether c is a known category.
func (c ViolationCategory) Valid() bool {
	switch c {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationFaceAbsent,
		ViolationMultipleFaces, ViolationDevTools:
		return true
	}
	return false
}

// ViolationEvent is one recorded breach.
type ViolationEvent struct {
	ID        string            `json:"id"`
	Category  ViolationCategory `json:"category"`
	Timestamp time.Time         `json:"timestamp"`
	Detail    string            `json:"detail,omitempty"`
}

// ProctoringMetadata holds the monotonically non-decreasing violation counters.
type ProctoringMetadata struct {
	TabSwitches               int  `json:"tab_switches"`
	FaceViolations            int  `json:"face_violations"`
	FullscreenExits           int  `json:"fullscreen_exits"`
	TotalViolationCount       int  `json:"total_violation_count"`
	ViolationThresholdReached bool `json:"violation_threshold_reached"`
}

// FaceStatus is the face-detector verdict attached to a sample.
type FaceStatus string

const (
	FaceNormal    FaceStatus = "NORMAL"
	FaceWarning   FaceStatus = "WARNING"
	FaceViolation FaceStatus = "VIOLATION"
)

// FaceSample is one reading from the external face-detection collaborator.
type FaceSample struct {
	FaceCount int        `json:"face_count" binding:"min=0"`
	Status    FaceStatus `json:"status" binding:"required,oneof=NORMAL WARNING VIOLATION"`
}

// Violation translates a sample into a violation category.
// Only VIOLATION samples whose count differs from one qualify.
func (s FaceSample) Violation() (ViolationCategory, bool) {
	if s.Status != FaceViolation || s.FaceCount == 1 {
		return "", false
	}
	if s.FaceCount <= 0 {
		return ViolationFaceAbsent, true
	}
	return ViolationMultipleFaces, true
}

// ViolationReport is what the store receives for every recorded violation.
type ViolationReport struct {
	AttemptID uuid.UUID          `json:"attempt_id"`
	Slug      string             `json:"slug"`
	StudentID int                `json:"student_id"`
	Event     ViolationEvent     `json:"event"`
	Metadata  ProctoringMetadata `json:"metadata"`
}
