package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// wsRequest is one client frame. Fields are used according to Type.
type wsRequest struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Intro  string `json:"intro,omitempty"`
	ID     int    `json:"id,omitempty"`
	Yes    *bool  `json:"yes,omitempty"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
	Rating int    `json:"rating,omitempty"`
}

// wsResponse is one server frame.
type wsResponse struct {
	Type    string                  `json:"type"`
	Request string                  `json:"request,omitempty"`
	Turns   []domain.Turn           `json:"turns,omitempty"`
	Session *domain.CalendarSession `json:"session,omitempty"`
	State   *assistant.Snapshot     `json:"state,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Status  int                     `json:"status,omitempty"`
}

// WebSocketHandler streams assistant operations over a single connection.
// It attaches to the caller's assistant, activating one if none exists.
type WebSocketHandler struct {
	registry       *assistant.Registry
	limiter        *RateLimiter
	originPatterns []string
	isDev          bool
}

// NewWebSocketHandler creates the handler. originPatterns follow
// websocket.AcceptOptions; in development every origin is accepted.
func NewWebSocketHandler(registry *assistant.Registry, limiter *RateLimiter, originPatterns []string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{registry: registry, limiter: limiter, originPatterns: originPatterns, isDev: isDev}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: h.isDev,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx := r.Context()
	d := h.registry.Get(userID, sessionID)
	if d == nil {
		if d, err = h.registry.Activate(context.WithoutCancel(ctx), userID, sessionID); err != nil {
			slog.Error("Failed to activate assistant", "user_id", userID, "error", err)
			_ = h.write(ctx, ws, wsResponse{Type: "error", Error: "activation_failed", Status: StatusFor(err)})
			return
		}
	}
	state := d.State()
	if err := h.write(ctx, ws, wsResponse{Type: "state", State: &state}); err != nil {
		return
	}

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		if req.Type == "ping" {
			if err := h.write(ctx, ws, wsResponse{Type: "pong"}); err != nil {
				return
			}
			continue
		}

		// The tab may have been re-activated over REST since the last frame.
		if current := h.registry.Get(userID, sessionID); current != nil {
			d = current
		}
		resp := h.apply(ctx, d, userID, req)
		if err := h.write(ctx, ws, resp); err != nil {
			slog.Debug("WebSocket write error", "error", err, "user_id", userID)
			return
		}
	}
}

// apply runs one client operation against the dispatcher.
func (h *WebSocketHandler) apply(ctx context.Context, d *assistant.Dispatcher, userID string, req wsRequest) wsResponse {
	// Turns run to completion even if the socket drops mid-call.
	turnCtx := context.WithoutCancel(ctx)

	var (
		turns   []domain.Turn
		session *domain.CalendarSession
		err     error
	)
	switch req.Type {
	case "state":
	case "message":
		if h.limiter != nil && !h.limiter.Allow(userID) {
			return wsResponse{Type: "error", Request: req.Type, Error: "rate_limited", Status: http.StatusTooManyRequests}
		}
		turns, err = d.HandleUserInput(turnCtx, req.Text)
	case "activate_tool":
		turns, err = d.ActivateTool(req.ToolID, req.Intro)
	case "exit_tool":
		turns, err = d.ExitTool()
	case "activate_agent":
		turns, err = d.ActivateAgent(turnCtx)
	case "exit_agent":
		turns, err = d.ExitAgent()
	case "release":
		err = d.ForceChat()
	case "toggle_department":
		err = d.ToggleDepartment(req.ID)
	case "confirm_departments":
		turns, err = d.ConfirmDepartments(turnCtx)
	case "choice":
		if req.Yes == nil {
			return wsResponse{Type: "error", Request: req.Type, Error: "yes is required", Status: http.StatusBadRequest}
		}
		turns, err = d.Choose(turnCtx, *req.Yes)
	case "add_session":
		var s domain.CalendarSession
		if s, err = d.AddSession(); err == nil {
			session = &s
		}
	case "edit_session":
		err = d.EditSession(req.ID, req.Field, req.Value)
	case "remove_session":
		turns, err = d.RemoveSession(turnCtx, req.ID)
	case "confirm_sessions":
		turns, err = d.ConfirmSessions(turnCtx)
	case "feedback":
		turns, err = d.SubmitFeedback(turnCtx, req.Rating, req.Text)
	default:
		return wsResponse{
			Type:    "error",
			Request: req.Type,
			Error:   fmt.Sprintf("unknown request type %q", req.Type),
			Status:  http.StatusBadRequest,
		}
	}

	if err != nil {
		return wsResponse{Type: "error", Request: req.Type, Error: err.Error(), Status: StatusFor(err)}
	}
	state := d.State()
	return wsResponse{Type: "result", Request: req.Type, Turns: turns, Session: session, State: &state}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, v wsResponse) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
