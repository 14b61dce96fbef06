package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// ExamHandler handles proctor endpoints over exam definitions.
type ExamHandler struct {
	bank *service.QuestionBankService
	log  zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(bank *service.QuestionBankService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		bank: bank,
		log:  log.With().Str("component", "exam_handler").Logger(),
	}
}

// ListExams godoc
// GET /api/v1/proctor/exams
func (h *ExamHandler) ListExams(c *gin.Context) {
	defs, err := h.bank.ListDefinitions(c.Request.Context())
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exams": defs})
}

// RefreshExamCache godoc
// POST /api/v1/proctor/exams/:exam_id/refresh-cache
// Reloads the definition and its question pool after the bank was edited.
// Attempts already assembled keep the questions they were drawn with.
func (h *ExamHandler) RefreshExamCache(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	def, poolSize, err := h.bank.Refresh(c.Request.Context(), examID)
	if err != nil {
		failFromError(c, err)
		return
	}

	h.log.Info().
		Str("exam_definition_id", examID.String()).
		Int("pool_size", poolSize).
		Msg("Exam cache refreshed")

	response.Success(c, http.StatusOK, gin.H{
		"exam":      def,
		"pool_size": poolSize,
	})
}
