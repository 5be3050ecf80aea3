package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/identity"
	"github.com/ashureev/change-assist/internal/tools"
	"github.com/go-chi/chi/v5"
)

// AssistantHandler exposes one assistant per user and browser tab.
type AssistantHandler struct {
	registry    *assistant.Registry
	limiter     *RateLimiter
	maxBodySize int64
}

// NewAssistantHandler creates the REST handler. limiter may be nil.
func NewAssistantHandler(registry *assistant.Registry, limiter *RateLimiter, maxBodySize int64) *AssistantHandler {
	return &AssistantHandler{registry: registry, limiter: limiter, maxBodySize: maxBodySize}
}

// TurnsResponse is returned by every turn-producing endpoint.
type TurnsResponse struct {
	Turns []domain.Turn      `json:"turns"`
	State assistant.Snapshot `json:"state"`
}

// RegisterRoutes registers assistant routes.
func (h *AssistantHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/assistant", func(r chi.Router) {
		r.Get("/tools", h.ListTools)
		r.Post("/activate", h.Activate)
		r.Delete("/", h.Release)
		r.Get("/state", h.State)
		r.Post("/messages", h.SendMessage)
		r.Post("/release", h.ForceChat)
		r.Post("/feedback", h.SubmitFeedback)

		r.Post("/tools/{toolID}", h.ActivateTool)
		r.Delete("/tools", h.ExitTool)

		r.Route("/agent", func(r chi.Router) {
			r.Post("/", h.ActivateAgent)
			r.Delete("/", h.ExitAgent)
			r.Post("/departments/confirm", h.ConfirmDepartments)
			r.Post("/departments/{id}", h.ToggleDepartment)
			r.Post("/choice", h.Choose)
			r.Post("/sessions", h.AddSession)
			r.Post("/sessions/confirm", h.ConfirmSessions)
			r.Patch("/sessions/{id}", h.EditSession)
			r.Delete("/sessions/{id}", h.RemoveSession)
		})
	})
}

// ListTools returns the tool catalog.
func (h *AssistantHandler) ListTools(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"tools": tools.Catalog()})
}

// Activate starts a fresh assistant for the caller's tab, replacing any existing one.
func (h *AssistantHandler) Activate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	d, err := h.registry.Activate(context.WithoutCancel(r.Context()), userID, sessionID)
	if err != nil {
		slog.Error("Failed to activate assistant", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, StatusFor(err), err.Error())
		return
	}
	state := d.State()
	JSON(w, http.StatusCreated, TurnsResponse{Turns: state.Turns, State: state})
}

// Release tears the caller's assistant down.
func (h *AssistantHandler) Release(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if !h.registry.Release(userID, sessionID) {
		Error(w, http.StatusNotFound, "assistant_not_active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// State returns the caller's assistant snapshot.
func (h *AssistantHandler) State(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	JSON(w, http.StatusOK, d.State())
}

type messageRequest struct {
	Text string `json:"text"`
}

// SendMessage routes one typed message by the current mode.
func (h *AssistantHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}
	var req messageRequest
	if err := decode(w, r, h.maxBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, d)(d.HandleUserInput(context.WithoutCancel(r.Context()), req.Text))
}

type toolRequest struct {
	Intro string `json:"intro"`
}

// ActivateTool switches the assistant into a tool.
func (h *AssistantHandler) ActivateTool(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	var req toolRequest
	if err := decode(w, r, h.maxBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, d)(d.ActivateTool(chi.URLParam(r, "toolID"), req.Intro))
}

// ExitTool leaves tool mode.
func (h *AssistantHandler) ExitTool(w http.ResponseWriter, r *http.Request) {
	if d := h.dispatcher(w, r); d != nil {
		h.respond(w, d)(d.ExitTool())
	}
}

// ActivateAgent starts the registration wizard.
func (h *AssistantHandler) ActivateAgent(w http.ResponseWriter, r *http.Request) {
	if d := h.dispatcher(w, r); d != nil {
		h.respond(w, d)(d.ActivateAgent(context.WithoutCancel(r.Context())))
	}
}

// ExitAgent abandons the wizard.
func (h *AssistantHandler) ExitAgent(w http.ResponseWriter, r *http.Request) {
	if d := h.dispatcher(w, r); d != nil {
		h.respond(w, d)(d.ExitAgent())
	}
}

// ForceChat drops any active tool or wizard without a message.
func (h *AssistantHandler) ForceChat(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	if err := d.ForceChat(); err != nil {
		Error(w, StatusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, d.State())
}

// ToggleDepartment selects or deselects a department.
func (h *AssistantHandler) ToggleDepartment(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	if err := d.ToggleDepartment(id); err != nil {
		Error(w, StatusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, d.State())
}

// ConfirmDepartments closes department selection.
func (h *AssistantHandler) ConfirmDepartments(w http.ResponseWriter, r *http.Request) {
	if d := h.dispatcher(w, r); d != nil {
		h.respond(w, d)(d.ConfirmDepartments(context.WithoutCancel(r.Context())))
	}
}

type choiceRequest struct {
	Yes *bool `json:"yes"`
}

// Choose answers the current yes/no question.
func (h *AssistantHandler) Choose(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	var req choiceRequest
	if err := decode(w, r, h.maxBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Yes == nil {
		Error(w, http.StatusBadRequest, "yes is required")
		return
	}
	h.respond(w, d)(d.Choose(context.WithoutCancel(r.Context()), *req.Yes))
}

// AddSession appends a training session.
func (h *AssistantHandler) AddSession(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	session, err := d.AddSession()
	if err != nil {
		Error(w, StatusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]any{"session": session, "state": d.State()})
}

type editSessionRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// EditSession changes one field of a training session.
func (h *AssistantHandler) EditSession(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	var req editSessionRequest
	if err := decode(w, r, h.maxBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.EditSession(id, req.Field, req.Value); err != nil {
		Error(w, StatusFor(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, d.State())
}

// RemoveSession deletes a training session.
func (h *AssistantHandler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	id, ok := intParam(w, r, "id")
	if !ok {
		return
	}
	h.respond(w, d)(d.RemoveSession(context.WithoutCancel(r.Context()), id))
}

// ConfirmSessions closes the training-session editor.
func (h *AssistantHandler) ConfirmSessions(w http.ResponseWriter, r *http.Request) {
	if d := h.dispatcher(w, r); d != nil {
		h.respond(w, d)(d.ConfirmSessions(context.WithoutCancel(r.Context())))
	}
}

type feedbackRequest struct {
	Rating int    `json:"rating"`
	Text   string `json:"text"`
}

// SubmitFeedback rates the active tool or chat.
func (h *AssistantHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	d := h.dispatcher(w, r)
	if d == nil {
		return
	}
	var req feedbackRequest
	if err := decode(w, r, h.maxBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, d)(d.SubmitFeedback(context.WithoutCancel(r.Context()), req.Rating, req.Text))
}

// dispatcher looks up the caller's assistant, writing 404 when there is none.
func (h *AssistantHandler) dispatcher(w http.ResponseWriter, r *http.Request) *assistant.Dispatcher {
	userID := identity.UserIDFromContext(r.Context())
	d := h.registry.Get(userID, identity.SessionIDFromContext(r.Context()))
	if d == nil {
		Error(w, http.StatusNotFound, "assistant_not_active")
	}
	return d
}

// respond writes the turns of a dispatcher call, or its error.
func (h *AssistantHandler) respond(w http.ResponseWriter, d *assistant.Dispatcher) func([]domain.Turn, error) {
	return func(turns []domain.Turn, err error) {
		if err != nil {
			Error(w, StatusFor(err), err.Error())
			return
		}
		if turns == nil {
			turns = []domain.Turn{}
		}
		JSON(w, http.StatusOK, TurnsResponse{Turns: turns, State: d.State()})
	}
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}
