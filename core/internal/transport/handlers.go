package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/core/internal/roster"
	"train-tracking-sim/shared/authx"
	"train-tracking-sim/shared/httpx"
	"train-tracking-sim/shared/logx"
)

// Sim is the part of engine.Scheduler the HTTP surface needs.
type Sim interface {
	Trains(ctx context.Context) ([]engine.Train, error)
	Incidents(ctx context.Context) ([]engine.Incident, error)
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Inject(ctx context.Context, cmd engine.InjectCommand) (engine.Result, error)
	CancelDelay(ctx context.Context, trainID string) (engine.Result, error)
	Reset(ctx context.Context) (engine.Result, error)
	Broadcast(ctx context.Context, reason string) error
}

type Handlers struct {
	Sim    Sim
	Roster *roster.Roster
	Hub    *Hub
	Logger logx.Logger
}

func (h Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/trains", h.trains)
	mux.HandleFunc("GET /api/incidents", h.incidents)
	mux.HandleFunc("GET /api/snapshot", h.snapshot)
	mux.HandleFunc("POST /api/inject", h.inject)
	mux.HandleFunc("POST /api/cancel-delay", h.cancelDelay)
	mux.HandleFunc("POST /api/reset", h.reset)
	mux.HandleFunc("POST /api/login", h.login)
	mux.HandleFunc("POST /api/kick", h.kick)
	mux.HandleFunc("GET /api/session", h.session)
	if h.Hub != nil {
		mux.Handle("GET /ws", h.Hub)
	}
}

func (h Handlers) trains(w http.ResponseWriter, r *http.Request) {
	trains, err := h.Sim.Trains(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, trains)
}

func (h Handlers) incidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.Sim.Incidents(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, incidents)
}

func (h Handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Sim.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

type injectRequest struct {
	Type     string     `json:"type"`
	Kind     string     `json:"kind"`
	TargetID string     `json:"targetId"`
	Value    flexNumber `json:"value"`
	Message  string     `json:"message"`
}

// flexNumber accepts a JSON number, a numeric string, or nothing.
type flexNumber struct {
	v *float64
}

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		raw = s
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errors.New("value must be a number")
	}
	f.v = &v
	return nil
}

func (h Handlers) inject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	kind := req.Type
	if strings.TrimSpace(kind) == "" {
		kind = req.Kind
	}
	res, err := h.Sim.Inject(r.Context(), engine.InjectCommand{
		Kind:     kind,
		TargetID: strings.TrimSpace(req.TargetID),
		Value:    req.Value.v,
		Message:  strings.TrimSpace(req.Message),
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type cancelDelayRequest struct {
	TrainID string `json:"trainId"`
}

func (h Handlers) cancelDelay(w http.ResponseWriter, r *http.Request) {
	var req cancelDelayRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	id := strings.TrimSpace(req.TrainID)
	if id == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "trainId is required", nil)
		return
	}
	res, err := h.Sim.CancelDelay(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h Handlers) reset(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sim.Reset(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (h Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	session, err := h.Roster.Login(strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		if errors.Is(err, roster.ErrBadCredentials) {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials", nil)
			return
		}
		h.Logger.Error(r.Context(), "login_failed", "login failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		return
	}
	h.Logger.Info(r.Context(), "user_login", "user logged in", slog.String("username", session.Username))
	h.presenceChanged(r.Context())
	httpx.WriteJSON(w, http.StatusOK, loginResponse{Success: true, Username: session.Username, Token: session.Token})
}

type kickRequest struct {
	Username string `json:"username"`
}

func (h Handlers) kick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "username is required", nil)
		return
	}
	wasActive, err := h.Roster.Kick(username)
	if err != nil {
		if errors.Is(err, roster.ErrUnknownUser) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "kick failed", nil)
		return
	}
	if h.Hub != nil {
		h.Hub.NotifyKick(username)
	}
	h.Logger.Info(r.Context(), "user_kicked", "user kicked",
		slog.String("username", username),
		slog.Bool("was_active", wasActive),
	)
	h.presenceChanged(r.Context())
	httpx.WriteJSON(w, http.StatusOK, engine.Result{Success: true, Message: username + " has been logged out"})
}

func (h Handlers) session(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"username":  auth.Subject,
		"sessionId": auth.SessionID,
		"expiresAt": auth.ExpiresAt,
	})
}

// presenceChanged pushes a snapshot so subscribers see the new roster
// without waiting for the next tick.
func (h Handlers) presenceChanged(ctx context.Context) {
	if err := h.Sim.Broadcast(ctx, engine.ReasonPresence); err != nil {
		h.Logger.Warn(ctx, "presence_broadcast_failed", "presence broadcast failed",
			slog.String("error", err.Error()),
		)
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCommand):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, engine.ErrUnavailable):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, engine.ErrStopped):
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "simulation stopped", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", "request timed out", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
