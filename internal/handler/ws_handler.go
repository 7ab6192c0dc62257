package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
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

// WSHandler streams a live session to the student: timer ticks, state after
// actions, and the graded result once it is published.
type WSHandler struct {
	rdb            *redis.Client
	sessionService *service.ExamSessionService
	tickInterval   time.Duration
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, sessionService *service.ExamSessionService, tickInterval time.Duration, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &WSHandler{
		rdb:            rdb,
		sessionService: sessionService,
		tickInterval:   tickInterval,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream
// Upgrades to WebSocket for the exam timer, navigation and flag actions, and the result event.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	m, err := h.sessionService.Get(c.Param("session_id"), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("session_id", m.ID()).
		Logger()
	wsLog.Info().Msg("Student connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// gorilla allows one concurrent writer, so every outbound message goes
	// through the writer goroutine.
	out := make(chan interface{}, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, m, claims.UserID, out, wsLog)
	}()

	send := func(v interface{}) {
		select {
		case out <- v:
		case <-writerDone:
		}
	}
	h.readLoop(conn, m, send, wsLog)
	cancel()
	<-writerDone
}

func (h *WSHandler) readLoop(conn *websocket.Conn, m *examsession.Manager, send func(interface{}), wsLog zerolog.Logger) {
	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionNavigate:
			if msg.Index == nil {
				send(errorEvent("index is required"))
				continue
			}
			if err := m.Navigate(*msg.Index); err != nil {
				send(errorEvent(err.Error()))
				continue
			}
			send(ws.StateEvent{Event: ws.EventState, State: m.State()})
		case ws.ActionFlag:
			if msg.Index == nil {
				send(errorEvent("index is required"))
				continue
			}
			flagged, err := m.ToggleFlag(*msg.Index)
			if err != nil {
				send(errorEvent(err.Error()))
				continue
			}
			send(ws.FlaggedEvent{Event: ws.EventFlagged, Index: *msg.Index, Flagged: flagged})
		case ws.ActionState:
			send(ws.StateEvent{Event: ws.EventState, State: m.State()})
		case ws.ActionPing:
			send(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			send(errorEvent("unknown action: " + string(msg.Action)))
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, m *examsession.Manager, studentID int, out <-chan interface{}, wsLog zerolog.Logger) {
	var events <-chan *redis.Message
	if h.rdb != nil {
		pubsub := h.rdb.Subscribe(ctx, config.CacheKey.StudentEventsChannel(studentID))
		defer pubsub.Close()
		events = pubsub.Channel()
	}

	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case v := <-out:
			err = ws.WriteTyped(conn, v)
		case <-ticker.C:
			st := m.State()
			err = ws.WriteTyped(conn, ws.TickEvent{
				Event:            ws.EventTick,
				Status:           st.Status,
				CurrentIndex:     st.CurrentQuestionIndex,
				TotalTimeElapsed: st.TotalTimeElapsed,
				RemainingSeconds: st.RemainingSeconds,
			})
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			var peek struct {
				SessionID string `json:"session_id"`
			}
			if json.Unmarshal([]byte(msg.Payload), &peek) != nil || peek.SessionID != m.ID() {
				continue
			}
			err = ws.WriteRaw(conn, []byte(msg.Payload))
		}
		if err != nil {
			wsLog.Debug().Err(err).Msg("Write failed, closing stream")
			conn.Close()
			return
		}
	}
}

func errorEvent(msg string) ws.ErrorResponse {
	return ws.ErrorResponse{Event: ws.EventError, Error: msg}
}
