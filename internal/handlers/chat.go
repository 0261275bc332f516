// Package handlers serves the read-mostly HTTP API next to the websocket
// gateway. Every route expects middleware.AuthMiddleware in front.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pliu/sniffguard/internal/common"
	"github.com/pliu/sniffguard/internal/fanout"
	"github.com/pliu/sniffguard/internal/logging"
	"github.com/pliu/sniffguard/internal/middleware"
	"github.com/pliu/sniffguard/internal/models"
	"github.com/pliu/sniffguard/internal/protocol"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type ChatHandler struct {
	Coord *fanout.Coordinator
	// Users serves public profiles, including the key senders seal for.
	Users UserLookup
	Log   logging.Logger
}

// Register mounts the API routes on r.
func (h *ChatHandler) Register(r *mux.Router) {
	r.HandleFunc("/chats", h.GetChats).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id}/messages", h.GetChatMessages).Methods(http.MethodGet)
	r.HandleFunc("/unread", h.GetUnreadCount).Methods(http.MethodGet)
	r.HandleFunc("/online", h.GetOnlineUsers).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{id}", h.BlockUser).Methods(http.MethodPost)
	r.HandleFunc("/blocks/{id}", h.UnblockUser).Methods(http.MethodDelete)
	r.HandleFunc("/users/{id}", h.GetUser).Methods(http.MethodGet)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	chats, err := h.Coord.UserChats(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		page = n
	}

	messages, err := h.Coord.History(r.Context(), id.UserID, mux.Vars(r)["id"], page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	n, err := h.Coord.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *ChatHandler) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Coord.OnlineUsers())
}

func (h *ChatHandler) BlockUser(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := h.Coord.BlockUser(r.Context(), caller(id), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ChatHandler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := h.Coord.UnblockUser(r.Context(), caller(id), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ChatHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	user, err := h.Users.GetUserByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

func caller(id models.Identity) fanout.Caller {
	return fanout.Caller{UserID: id.UserID, Username: id.Username}
}

var statusByCode = map[string]int{
	common.CodeUnauthenticated:  http.StatusUnauthorized,
	common.CodeAccessDenied:     http.StatusForbidden,
	common.CodeUserBlocked:      http.StatusForbidden,
	common.CodeNotFound:         http.StatusNotFound,
	common.CodeDuplicateMessage: http.StatusConflict,
	common.CodeCapacityExceeded: http.StatusConflict,
	common.CodeValidation:       http.StatusBadRequest,
}

// fail writes err with the same code and message clients get over the
// websocket.
func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ev := protocol.ErrorEvent("", err)
	body := ev.Payload.(protocol.Error)
	status, ok := statusByCode[body.Code]
	if !ok {
		status = http.StatusInternalServerError
		if h.Log != nil {
			h.Log.Error(r.Context(), "api request failed", "path", r.URL.Path, "error", err)
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
