package model

import (
	"time"

	"github.com/google/uuid"
)

// SectionType keys the ResponseMap. At most one section per type is expected.
type SectionType string

const (
	SectionTypeQuiz       SectionType = "quiz"
	SectionTypeCoding     SectionType = "coding"
	SectionTypeSubjective SectionType = "subjective"
)

// Question is the engine's view of a question: only its identity.
// Rendering data stays with the content service.
type Question struct {
	ID string `json:"id" binding:"required,max=128"`
}

// Section is an ordered group of questions of one type.
type Section struct {
	ID        string      `json:"id" binding:"required,max=128"`
	Type      SectionType `json:"type" binding:"required,oneof=quiz coding subjective"`
	Questions []Question  `json:"questions" binding:"required,min=1,dive"`
}

// HasQuestion reports whether id belongs to the section.
func (s Section) HasQuestion(id string) bool {
	for _, q := range s.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Assessment is the content outline plus the proctoring rules for one assessment.
type Assessment struct {
	ID              uuid.UUID `json:"id"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
	// MaxViolations overrides the engine default when positive.
	MaxViolations  int       `json:"max_violations"`
	CameraRequired bool      `json:"camera_required"`
	Sections       []Section `json:"sections"`
	CreatedAt      time.Time `json:"created_at"`
}

// SectionID returns the id of the first section of type t, or "".
func (a *Assessment) SectionID(t SectionType) string {
	for _, s := range a.Sections {
		if s.Type == t {
			return s.ID
		}
	}
	return ""
}

// Section returns the first section of type t.
func (a *Assessment) Section(t SectionType) (Section, bool) {
	for _, s := range a.Sections {
		if s.Type == t {
			return s, true
		}
	}
	return Section{}, false
}

// RegisterAssessmentRequest is the body of the admin register endpoint.
type RegisterAssessmentRequest struct {
	Title           string    `json:"title" binding:"required,max=255"`
	DurationSeconds int       `json:"duration_seconds" binding:"required,min=1"`
	MaxViolations   int       `json:"max_violations" binding:"min=0"`
	CameraRequired  bool      `json:"camera_required"`
	Sections        []Section `json:"sections" binding:"required,min=1,dive"`
}
