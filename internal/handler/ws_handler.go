package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams countdown ticks to a candidate and takes answer edits
// and submission over the same socket.
type WSHandler struct {
	controller *service.SessionController
	log        zerolog.Logger
	upgrader   websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(controller *service.SessionController, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		controller: controller,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/candidate/attempts/:attempt_id/stream
// Only an IN_PROGRESS attempt can be streamed. The stream ends with a
// "graded" event once the attempt is finalized by any path.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	ctx := c.Request.Context()
	if err := h.controller.Authorize(ctx, attemptID, claims.CandidateID); err != nil {
		failFromError(c, err)
		return
	}

	events, unsubscribe, err := h.controller.Watch(ctx, attemptID)
	if err != nil {
		failFromError(c, err)
		return
	}
	defer unsubscribe()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Str("candidate_id", claims.CandidateID).
		Str("attempt_id", attemptID.String()).
		Logger()
	wsLog.Info().Msg("Candidate connected")

	go h.pushEvents(conn, events, wsLog)

	for {
		var msg ws.RequestPayload
		if err := conn.ReadRequest(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer:
			h.handleAnswer(c, conn, attemptID, &msg)
		case ws.ActionSubmit:
			// The verdict reaches the client through pushEvents.
			if _, err := h.controller.SubmitWithNote(ctx, attemptID, msg.Note); err != nil {
				conn.WriteError(string(wsErrorCode(err)), err.Error())
			}
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("", "unknown action: "+string(msg.Action))
		}
	}
}

func (h *WSHandler) handleAnswer(c *gin.Context, conn *ws.Conn, attemptID uuid.UUID, msg *ws.RequestPayload) {
	if msg.Index == nil {
		conn.WriteError(string(response.ErrValidation), "index is required")
		return
	}
	if err := h.controller.RecordAnswer(c.Request.Context(), attemptID, *msg.Index, msg.Chosen); err != nil {
		conn.WriteError(string(wsErrorCode(err)), err.Error())
		return
	}
	conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, Index: *msg.Index})
}

// pushEvents forwards controller events until the channel closes, then
// closes the socket so the read loop ends.
func (h *WSHandler) pushEvents(conn *ws.Conn, events <-chan service.SessionEvent, wsLog zerolog.Logger) {
	defer conn.Close()

	for ev := range events {
		if ev.Attempt != nil {
			a := ev.Attempt
			conn.WriteTyped(ws.GradedResponse{
				Event:          ws.EventGraded,
				Status:         string(a.Status),
				Score:          a.Score,
				TotalQuestions: a.TotalQuestions,
				Percentage:     a.Percentage(),
			})
			wsLog.Info().Str("status", string(a.Status)).Int("score", a.Score).Msg("Verdict pushed")
			continue
		}
		if err := conn.WriteTyped(ws.TickResponse{
			Event:            ws.EventTick,
			RemainingSeconds: int(ev.Remaining.Seconds()),
			TimeWarning:      ev.TimeWarning,
		}); err != nil {
			wsLog.Debug().Err(err).Msg("Tick write failed")
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second))
}
