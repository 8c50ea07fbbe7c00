package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bot-relay/internal/platform"
	"bot-relay/internal/repo"

	"github.com/go-chi/chi/v5"
)

// ConnectionService creates and removes bot connections on behalf of a user.
type ConnectionService interface {
	CreatePending(ctx context.Context, userID string, p platform.Platform) (*repo.BotConnection, error)
	DisconnectOwned(ctx context.Context, userID, connectionID string) error
}

// LinkBuilder turns a connect token into a platform deep link.
type LinkBuilder interface {
	Link(p platform.Platform, token string) (string, error)
}

// BalanceReader returns a user's credit balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
}

type createConnectionRequest struct {
	Platform string `json:"platform"`
}

type createConnectionResponse struct {
	ConnectionID string    `json:"connection_id"`
	Platform     string    `json:"platform"`
	Link         string    `json:"link"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil || s.deps.Links == nil {
		writeError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	var req createConnectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := userIDFromContext(r.Context())
	conn, err := s.deps.Connections.CreatePending(r.Context(), userID, p)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("create connection failed", "user_id", userID, "platform", p, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create connection")
		return
	}

	link, err := s.deps.Links.Link(p, conn.ID)
	if err != nil {
		s.logger.Warn("connect link unavailable", "platform", p, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, platform.ErrUnconfigured) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "connect link unavailable for "+p.String())
		return
	}

	resp := createConnectionResponse{
		ConnectionID: conn.ID,
		Platform:     p.String(),
		Link:         link,
	}
	if conn.ExpiresAt != nil {
		resp.ExpiresAt = conn.ExpiresAt.UTC()
	}
	s.logger.Info("connection created", "user_id", userID, "connection_id", conn.ID, "platform", p)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connections == nil {
		writeError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	userID := userIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.deps.Connections.DisconnectOwned(r.Context(), userID, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		s.logger.Error("disconnect failed", "user_id", userID, "connection_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not disconnect")
		return
	}
	s.logger.Info("connection disconnected", "user_id", userID, "connection_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credits == nil {
		writeError(w, http.StatusServiceUnavailable, "credits unavailable")
		return
	}
	balance, err := s.deps.Credits.GetBalance(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("read balance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}
