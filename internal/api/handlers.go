package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/chatsync/internal/protocol"
	"github.com/manpreetbhatti/chatsync/internal/ws"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// Store is the read side of the history backend used by the HTTP API.
type Store interface {
	Recent(ctx context.Context, room string, limit int) ([]protocol.Message, error)
	Count(ctx context.Context, room string) (int, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	Ping(ctx context.Context) error
}

type API struct {
	hub   *ws.Hub
	store Store
	log   zerolog.Logger
}

func New(hub *ws.Hub, store Store, logger zerolog.Logger) *API {
	return &API{
		hub:   hub,
		store: store,
		log:   logger.With().Str("component", "api").Logger(),
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error().Err(err).Msg("encode response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// HealthHandler reports 503 while the history backend is unreachable.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			a.log.Warn().Err(err).Msg("history backend unreachable")
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	a.jsonResponse(w, status, body)
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		storeStats, err := a.store.GetStats(r.Context())
		if err != nil {
			a.log.Warn().Err(err).Msg("store stats unavailable")
		} else {
			stats["store"] = storeStats
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string `json:"id"`
	ActiveUsers  int    `json:"active_users"`
	MessageCount int    `json:"message_count"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	activeRooms := a.hub.GetActiveRooms()
	catalog := a.hub.Catalog()

	response := make([]RoomResponse, len(catalog))
	for i, id := range catalog {
		count, err := a.store.Count(r.Context(), id)
		if err != nil {
			a.log.Error().Err(err).Str("room", id).Msg("count messages")
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		response[i] = RoomResponse{
			ID:           id,
			ActiveUsers:  activeRooms[id],
			MessageCount: count,
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": response,
	})
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !slices.Contains(a.hub.Catalog(), roomID) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}

	messages, err := a.store.Recent(r.Context(), roomID, limit)
	if err != nil {
		a.log.Error().Err(err).Str("room", roomID).Msg("load messages")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to load messages")
		return
	}
	if messages == nil {
		messages = []protocol.Message{}
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room":     roomID,
		"messages": messages,
		"limit":    limit,
	})
}

// ClearMessagesHandler purges a room and notifies everyone subscribed to it.
func (a *API) ClearMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	err := a.hub.ClearRoom(r.Context(), roomID)
	switch {
	case err == nil:
		a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room cleared"})
	case errors.Is(err, ws.ErrUnknownRoom):
		a.errorResponse(w, http.StatusNotFound, "Room not found")
	case errors.Is(err, ws.ErrHubStopped):
		a.errorResponse(w, http.StatusServiceUnavailable, "Server shutting down")
	default:
		a.log.Error().Err(err).Str("room", roomID).Msg("clear room")
		a.errorResponse(w, http.StatusInternalServerError, "Failed to clear room")
	}
}

func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	ws.ServeWs(a.hub, w, r)
}
