package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AssessmentHandler handles admin endpoints for assessments and their attempts.
type AssessmentHandler struct {
	assessments *service.AssessmentService
	attempts    *service.AttemptService
	log         zerolog.Logger
}

// NewAssessmentHandler creates a new AssessmentHandler.
func NewAssessmentHandler(assessments *service.AssessmentService, attempts *service.AttemptService, log zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		assessments: assessments,
		attempts:    attempts,
		log:         log.With().Str("component", "assessment_handler").Logger(),
	}
}

// RegisterAssessment godoc
// PUT /api/v1/admin/assessments/:slug
// Creates or replaces the outline and proctoring rules of an assessment.
func (h *AssessmentHandler) RegisterAssessment(c *gin.Context) {
	var req model.RegisterAssessmentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	a := &model.Assessment{
		Slug:            c.Param("slug"),
		Title:           req.Title,
		DurationSeconds: req.DurationSeconds,
		MaxViolations:   req.MaxViolations,
		CameraRequired:  req.CameraRequired,
		Sections:        req.Sections,
	}
	if err := h.assessments.Register(c.Request.Context(), a); err != nil {
		h.log.Error().Err(err).Str("slug", a.Slug).Msg("Failed to register assessment")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, a)
}

// ListAttempts godoc
// GET /api/v1/admin/assessments/:slug/attempts?status=&page=&per_page=
func (h *AssessmentHandler) ListAttempts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}

	var status *model.AttemptStatus
	if s := c.Query("status"); s != "" {
		st := model.AttemptStatus(s)
		if st != model.AttemptInProgress && st != model.AttemptSubmitted {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
				map[string]string{"status": "status must be one of [IN_PROGRESS SUBMITTED]"})
			return
		}
		status = &st
	}

	ctx := c.Request.Context()
	a, err := h.assessments.GetBySlug(ctx, c.Param("slug"))
	if err != nil {
		if errors.Is(err, service.ErrAssessmentNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	results, total, err := h.attempts.ListAttempts(ctx, a, status, page, perPage)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list attempts")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if results == nil {
		results = []repository.AttemptSummary{}
	}

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: int(math.Ceil(float64(total) / float64(perPage))),
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": results}, pagination)
}
