package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/engine/fullscreen"
	"github.com/stemsi/exstem-proctor/internal/engine/integrity"
	"github.com/stemsi/exstem-proctor/internal/engine/media"
	"github.com/stemsi/exstem-proctor/internal/engine/session"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	outboxSize   = 256
	draftTimeout = 5 * time.Second
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

// WSHandler streams a proctored session to the candidate's browser.
type WSHandler struct {
	registry *session.Registry
	attempts *service.AttemptService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(registry *session.Registry, attempts *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		registry: registry,
		attempts: attempts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// AssessmentStream godoc
// WS /ws/v1/student/assessments/:slug/stream
// Opens (or resumes) the student's session and bridges it to the browser.
func (h *WSHandler) AssessmentStream(c *gin.Context) {
	scope, ok := middleware.GetStreamScope(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	slug, studentID := scope.Slug, scope.StudentID

	o, err := h.registry.Open(c.Request.Context(), slug, studentID)
	if err != nil {
		failOpen(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("request_id", response.RequestID(c)).
		Int("student_id", studentID).
		Str("slug", slug).
		Str("attempt_id", o.AttemptID().String()).
		Logger()

	outbox := ws.NewOutbox(conn, outboxSize, wsLog)
	client := o.Client()
	client.Attach(outbox)
	defer func() {
		client.Detach(outbox)
		outbox.Close()
	}()

	if o.State() != model.SessionInitializing {
		_ = o.Post(session.Resync{})
	}

	// Unblock the read loop once the session is over and the final events are out.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-o.Done():
			client.Detach(outbox)
			outbox.Close()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if err := h.handle(c.Request.Context(), o, outbox, &msg); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				_ = outbox.SendError("session is closed")
				return
			}
			_ = outbox.SendError(err.Error())
		}
	}
}

// handle turns one client message into a session event.
func (h *WSHandler) handle(ctx context.Context, o *session.Orchestrator, outbox *ws.Outbox, msg *ws.RequestEnvelope) error {
	switch msg.Action {
	case ws.ActionPing:
		return outbox.Send(ws.EventPong, nil)

	case ws.ActionStart:
		var req ws.StartRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.Start{Route: req.Route, Fullscreen: fullscreen.Elements(req.Fullscreen)})

	case ws.ActionDOMEvent:
		var req ws.DOMEventRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.DOM{
			Seq:    req.Seq,
			Target: req.Target,
			Event: integrity.Event{
				Type:   integrity.EventType(req.Type),
				Key:    req.Key,
				Code:   req.Code,
				Ctrl:   req.Ctrl,
				Meta:   req.Meta,
				Shift:  req.Shift,
				Alt:    req.Alt,
				Repeat: req.Repeat,
				Hidden: req.Hidden,
			},
		})

	case ws.ActionFaceSample:
		var req ws.FaceSampleRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.FaceSample{Sample: model.FaceSample{
			FaceCount: req.FaceCount,
			Status:    model.FaceStatus(req.Status),
		}})

	case ws.ActionFullscreenChange:
		var req ws.FullscreenElements
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.FullscreenChange{Elements: fullscreen.Elements(req)})

	case ws.ActionFullscreenReenter:
		return o.Post(session.FullscreenReenter{})

	case ws.ActionFullscreenError:
		var req ws.FullscreenErrorRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.FullscreenDenied{Message: req.Message})

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.Answer{
			Section:    model.SectionType(req.SectionType),
			QuestionID: req.QuestionID,
			Value:      req.Value,
		})

	case ws.ActionCodeDraft:
		var req ws.CodeDraftRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		if !o.AcceptsDraft(req.QuestionID) {
			return errors.New("drafts are closed for this question")
		}
		dctx, cancel := context.WithTimeout(ctx, draftTimeout)
		defer cancel()
		if err := h.attempts.SaveDraft(dctx, o.AttemptID(), req.QuestionID, req.Value); err != nil {
			h.log.Debug().Err(err).Msg("Draft save failed")
			return errors.New("draft not saved")
		}
		return nil

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.Navigate{Forward: req.Direction == "next"})

	case ws.ActionRoute:
		var req ws.RouteRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.RouteChange{Route: req.Route})

	case ws.ActionMediaState:
		var req media.Report
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		return o.Post(session.MediaState{Report: req})

	case ws.ActionSubmit:
		var req ws.SubmitRequest
		if err := bindMessage(msg.Data, &req); err != nil {
			return err
		}
		if !req.Confirmed {
			return errors.New("submission must be confirmed")
		}
		return o.Post(session.SubmitRequest{})

	default:
		return errors.New("unknown action: " + string(msg.Action))
	}
}

// bindMessage decodes and validates the data of a client message.
func bindMessage(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("invalid payload")
	}
	if fields := validator.Struct(dst); fields != nil {
		parts := make([]string, 0, len(fields))
		for field, msg := range fields {
			parts = append(parts, field+": "+msg)
		}
		sort.Strings(parts)
		return errors.New(strings.Join(parts, "; "))
	}
	return nil
}

// failOpen maps session-opening errors onto the HTTP envelope.
func failOpen(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrAssessmentNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrNoActiveSession):
		response.Fail(c, http.StatusNotFound, response.ErrNoActiveSession)
	default:
		log.Error().Err(err).Msg("Failed to open session")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
