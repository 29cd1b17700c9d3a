package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/middleware"
	"github.com/testline/testline-backend/internal/service"
	"github.com/testline/testline-backend/internal/session"
	ws "github.com/testline/testline-backend/internal/websocket"
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

// WSHandler handles the real-time attempt stream: server-pushed countdown
// ticks, debounced auto-save with commit confirmations, and submit+grade.
type WSHandler struct {
	attemptService *service.AttemptService
	timer          *session.Authority
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, timer *session.Authority, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		timer:          timer,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
// Upgrades to WebSocket for timer pushes, auto-save and submission.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attempt ID"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConn(raw)
	defer conn.Close()

	studentID := claims.UserID

	// SECURITY: the attempt must be live and belong to this student before
	// anything is streamed.
	if err := h.attemptService.VerifyAttemptAccess(c.Request.Context(), attemptID, studentID); err != nil {
		conn.WriteError("no live attempt for this stream")
		return
	}

	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("attempt_id", attemptID.String()).
		Logger()

	ticks, cancel, err := h.timer.Subscribe(attemptID)
	if err != nil {
		conn.WriteError("countdown unavailable")
		return
	}
	defer cancel()

	// Immediate resync so the client renders the authoritative remaining
	// time before the first scheduled tick.
	if ev, err := h.timer.Resync(attemptID); err == nil {
		conn.WriteTyped(timerEvent(ev))
	}

	go h.pushTicks(conn, wsLog, ticks)

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, wsLog, attemptID, studentID, &msg)
		case ws.ActionFlag:
			h.handleFlag(conn, wsLog, attemptID, studentID, &msg)
		case ws.ActionResync:
			h.handleResync(conn, attemptID)
		case ws.ActionSubmit:
			h.handleSubmit(conn, wsLog, attemptID, studentID)
		case ws.ActionPing:
			conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.WriteError("unknown action: " + string(msg.Action))
		}
	}
}

// pushTicks forwards countdown events until the subscription closes. The
// expiry tick becomes a dedicated event; auto-submit runs server-side, so
// the client only needs to stop editing and fetch the result.
func (h *WSHandler) pushTicks(conn *ws.Conn, wsLog zerolog.Logger, ticks <-chan session.TickEvent) {
	for ev := range ticks {
		if ev.Expired {
			expired := ws.ExpiredResponse{
				Event:     ws.EventExpired,
				AttemptID: ev.AttemptID.String(),
				Reason:    "time_limit",
			}
			if err := conn.WriteTyped(expired); err != nil {
				wsLog.Debug().Err(err).Msg("Expired push failed")
			}
			continue
		}
		if err := conn.WriteTyped(timerEvent(ev)); err != nil {
			wsLog.Debug().Err(err).Msg("Timer push failed")
			return
		}
	}
}

func timerEvent(ev session.TickEvent) ws.TimerResponse {
	return ws.TimerResponse{
		Event:       ws.EventTimer,
		ServerTime:  ev.ServerTime,
		RemainingMs: ev.Remaining.Milliseconds(),
	}
}

// handleAutosave applies one answer edit. The in-memory state updates
// immediately; the saved event only fires once the debounced durable commit
// lands, carrying an error if it did not.
func (h *WSHandler) handleAutosave(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, studentID int, msg *ws.RequestPayload) {
	questionID, err := uuid.Parse(msg.QuestionID)
	if err != nil {
		conn.WriteError("invalid question_id format")
		return
	}

	upd := session.ResponseUpdate{
		SelectedAnswers: msg.SelectedAnswers,
		TextAnswer:      msg.TextAnswer,
		TimeSpentMs:     msg.TimeSpentMs,
		Skipped:         msg.Skipped,
		Flagged:         msg.Flagged,
	}

	err = h.attemptService.Save(context.Background(), attemptID, studentID, questionID, upd, func(res session.CommitResult) {
		if res.Err != nil {
			wsLog.Error().Err(res.Err).Str("question_id", msg.QuestionID).Msg("Autosave commit failed")
			conn.WriteError("save failed: " + msg.QuestionID)
			return
		}
		conn.WriteTyped(ws.SavedResponse{
			Event:      ws.EventSaved,
			QuestionID: msg.QuestionID,
			SavedAt:    res.SavedAt,
		})
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			conn.WriteError("attempt is closed")
			return
		}
		wsLog.Error().Err(err).Msg("Autosave rejected")
		conn.WriteError("save failed")
	}
}

// handleFlag toggles the student's review flag on a question. Flags ride
// the same debounced save path as answers.
func (h *WSHandler) handleFlag(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, studentID int, msg *ws.RequestPayload) {
	if msg.Flagged == nil {
		conn.WriteError("flagged is required")
		return
	}
	questionID, err := uuid.Parse(msg.QuestionID)
	if err != nil {
		conn.WriteError("invalid question_id format")
		return
	}

	upd := session.ResponseUpdate{Flagged: msg.Flagged}
	err = h.attemptService.Save(context.Background(), attemptID, studentID, questionID, upd, nil)
	if err != nil {
		wsLog.Error().Err(err).Msg("Flag rejected")
		conn.WriteError("flag failed")
		return
	}
	conn.WriteTyped(ws.SavedResponse{
		Event:      ws.EventSaved,
		QuestionID: msg.QuestionID,
		SavedAt:    time.Now(),
	})
}

// handleResync answers an explicit client clock resync request.
func (h *WSHandler) handleResync(conn *ws.Conn, attemptID uuid.UUID) {
	ev, err := h.timer.Resync(attemptID)
	if err != nil {
		conn.WriteError("countdown unavailable")
		return
	}
	conn.WriteTyped(timerEvent(ev))
}

// handleSubmit finalizes the attempt, flushes pending saves, grades, and
// streams both confirmations back.
func (h *WSHandler) handleSubmit(conn *ws.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, studentID int) {
	record, err := h.attemptService.Submit(context.Background(), attemptID, studentID)
	if err != nil {
		switch {
		// ErrAlreadySubmitted wraps ErrSessionClosed; on the submit action
		// any closed-session variant means the attempt was already finalized.
		case errors.Is(err, session.ErrSessionClosed):
			conn.WriteError("already submitted")
		case errors.Is(err, session.ErrPersistence):
			wsLog.Error().Err(err).Msg("Submit checkpoint failed")
			conn.WriteError("submission could not be saved, retry")
		default:
			wsLog.Error().Err(err).Msg("Submit failed")
			conn.WriteError("submit failed")
		}
		return
	}

	conn.WriteTyped(ws.SubmittedResponse{
		Event:       ws.EventSubmitted,
		SubmitType:  record.SubmitType,
		TimeSpentMs: record.TimeSpent.Milliseconds(),
	})
	conn.WriteTyped(ws.GradedResponse{
		Event: ws.EventGraded,
		Score: record.Score,
	})

	wsLog.Info().
		Float64("percentage", record.Score.Percentage).
		Msg("Attempt submitted and graded over stream")
}
