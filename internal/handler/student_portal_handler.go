package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/engine/session"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// StudentPortalHandler handles student-facing HTTP endpoints around a session.
type StudentPortalHandler struct {
	registry    *session.Registry
	assessments *service.AssessmentService
	attempts    *service.AttemptService
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(
	registry *session.Registry,
	assessments *service.AssessmentService,
	attempts *service.AttemptService,
) *StudentPortalHandler {
	return &StudentPortalHandler{
		registry:    registry,
		assessments: assessments,
		attempts:    attempts,
	}
}

// assessmentOutline is what the candidate sees before starting.
type assessmentOutline struct {
	Slug            string          `json:"slug"`
	Title           string          `json:"title"`
	DurationSeconds int             `json:"duration_seconds"`
	MaxViolations   int             `json:"max_violations"`
	CameraRequired  bool            `json:"camera_required"`
	Sections        []model.Section `json:"sections"`
}

// GetAssessment godoc
// GET /api/v1/student/assessments/:slug
// Returns the outline and proctoring rules of an assessment.
func (h *StudentPortalHandler) GetAssessment(c *gin.Context) {
	a, err := h.assessments.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		if errors.Is(err, service.ErrAssessmentNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, assessmentOutline{
		Slug:            a.Slug,
		Title:           a.Title,
		DurationSeconds: a.DurationSeconds,
		MaxViolations:   a.MaxViolations,
		CameraRequired:  a.CameraRequired,
		Sections:        a.Sections,
	})
}

// GetState godoc
// GET /api/v1/student/assessments/:slug/state
// Returns remaining time, saved responses and proctoring counters so a
// reloaded page can render before the stream reconnects.
func (h *StudentPortalHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	slug := c.Param("slug")

	// A live engine is more current than anything persisted.
	if o, ok := h.registry.Get(slug, claims.UserID); ok {
		sess := o.Session()
		snap := o.Snapshot()
		response.Success(c, http.StatusOK, service.AttemptState{
			AttemptID:        sess.AttemptID,
			Slug:             sess.Slug,
			StartedAt:        sess.StartedAt,
			RemainingSeconds: sess.RemainingSeconds,
			Responses:        snap.Responses,
			Metadata:         snap.Metadata,
			Submitted:        sess.State == model.SessionTerminated,
		})
		return
	}

	ctx := c.Request.Context()
	a, err := h.assessments.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, service.ErrAssessmentNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	state, err := h.attempts.GetState(ctx, a, claims.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNoActiveSession) {
			response.Fail(c, http.StatusNotFound, response.ErrNoActiveSession)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, state)
}
