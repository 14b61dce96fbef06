package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// AttemptHandler handles candidate-facing attempt endpoints.
type AttemptHandler struct {
	bank       *service.QuestionBankService
	assembler  *service.SessionAssembler
	controller *service.SessionController
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(
	bank *service.QuestionBankService,
	assembler *service.SessionAssembler,
	controller *service.SessionController,
) *AttemptHandler {
	return &AttemptHandler{
		bank:       bank,
		assembler:  assembler,
		controller: controller,
	}
}

// ListExams godoc
// GET /api/v1/candidate/exams
// Returns the exam definitions the candidate's role may sit.
func (h *AttemptHandler) ListExams(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	defs, err := h.bank.ListDefinitions(c.Request.Context())
	if err != nil {
		failFromError(c, err)
		return
	}

	exams := make([]model.ExamDefinition, 0, len(defs))
	for _, d := range defs {
		if d.AllowsRole(claims.Role) {
			exams = append(exams, d)
		}
	}
	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// CreateAttempt godoc
// POST /api/v1/candidate/exams/:exam_id/attempts
// Assembles today's attempt for the candidate (idempotent per day).
func (h *AttemptHandler) CreateAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.assembler.AssembleFor(c.Request.Context(), examID, claims.Candidate())
	if err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"attempt": view})
}

// ListAttempts godoc
// GET /api/v1/candidate/exams/:exam_id/attempts
// Returns the candidate's attempts at an exam, newest first.
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempts, err := h.assembler.History(c.Request.Context(), examID, claims.CandidateID)
	if err != nil {
		failFromError(c, err)
		return
	}
	if attempts == nil {
		attempts = []model.AttemptView{}
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// StartAttempt godoc
// POST /api/v1/candidate/attempts/:attempt_id/start
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	attemptID, ok := h.ownedAttempt(c)
	if !ok {
		return
	}

	a, err := h.controller.Start(c.Request.Context(), attemptID)
	if err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": model.NewAttemptView(a)})
}

// ResumeAttempt godoc
// GET /api/v1/candidate/attempts/:attempt_id/resume
// Returns questions in presented order, saved answers and remaining time.
func (h *AttemptHandler) ResumeAttempt(c *gin.Context) {
	attemptID, ok := h.ownedAttempt(c)
	if !ok {
		return
	}

	state, err := h.controller.Resume(c.Request.Context(), attemptID)
	if err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// RecordAnswer godoc
// PUT /api/v1/candidate/attempts/:attempt_id/answers/:index
// Sets or clears (null) the choice for one question.
func (h *AttemptHandler) RecordAnswer(c *gin.Context) {
	var uri model.AnswerURI
	if fields := validator.BindURI(c, &uri); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attemptID, ok := h.ownedAttempt(c)
	if !ok {
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.controller.RecordAnswer(c.Request.Context(), attemptID, uri.Index, req.ChosenOriginalIndex); err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"index":                 uri.Index,
		"chosen_original_index": req.ChosenOriginalIndex,
	})
}

// SubmitAttempt godoc
// POST /api/v1/candidate/attempts/:attempt_id/submit
// Scores the attempt. Every question must be answered.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	attemptID, ok := h.ownedAttempt(c)
	if !ok {
		return
	}

	var req model.SubmitAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	a, err := h.controller.SubmitWithNote(c.Request.Context(), attemptID, req.Note)
	if err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": model.NewAttemptView(a)})
}

// ExitAttempt godoc
// POST /api/v1/candidate/attempts/:attempt_id/exit
// Saves progress and leaves without submitting. The clock keeps running.
func (h *AttemptHandler) ExitAttempt(c *gin.Context) {
	attemptID, ok := h.ownedAttempt(c)
	if !ok {
		return
	}

	if err := h.controller.Exit(c.Request.Context(), attemptID); err != nil {
		failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "exited"})
}

// ownedAttempt parses :attempt_id and checks it belongs to the caller.
// It writes the error response itself when it returns false.
func (h *AttemptHandler) ownedAttempt(c *gin.Context) (uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, false
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}

	if err := h.controller.Authorize(c.Request.Context(), attemptID, claims.CandidateID); err != nil {
		failFromError(c, err)
		return uuid.Nil, false
	}
	return attemptID, true
}
