package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler relays attempt lifecycle events to proctors over SSE.
type MonitorHandler struct {
	monitor *repository.MonitorRepository
	bank    *service.QuestionBankService
	log     zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(monitor *repository.MonitorRepository, bank *service.QuestionBankService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		bank:    bank,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
// Sends the exam summary, then every started, submitted and
// auto-submitted event published for the exam.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	def, err := h.bank.GetByID(reqCtx, examID)
	if err != nil {
		failFromError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("snapshot", gin.H{"exam": def})
	c.Writer.Flush()

	pubsub := h.monitor.Subscribe(reqCtx, examID.String())
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	h.log.Info().Str("exam_definition_id", examID.String()).Msg("Proctor attached to live monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_definition_id", examID.String()).Msg("Proctor detached from live monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payload is already JSON; forward it untouched.
			c.Writer.Write([]byte("event: attempt\ndata: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()

		case <-keepAlive.C:
			c.Writer.Write([]byte(": ping\n\n"))
			c.Writer.Flush()
		}
	}
}
