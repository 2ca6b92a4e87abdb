package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/loantracker/internal/auth"
	"github.com/dukerupert/loantracker/internal/model"
	"github.com/dukerupert/loantracker/internal/security"
	"github.com/dukerupert/loantracker/internal/store"
)

const maxMessageLen = 500

type NotificationHandler struct {
	notifications *store.NotificationStore
	accounts      *store.AccountStore
	notifier      Notifier
	logger        *slog.Logger
}

func NewNotificationHandler(ns *store.NotificationStore, as *store.AccountStore, notifier Notifier, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: ns, accounts: as, notifier: notifier, logger: logger}
}

type sendNotificationRequest struct {
	Username string  `json:"username"`
	Message  string  `json:"message"`
	Link     *string `json:"link"`
}

// Send handles POST /notifications
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())

	var req sendNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" || len(req.Message) > maxMessageLen {
		writeError(w, http.StatusBadRequest, "message must be 1-500 characters")
		return
	}
	if req.Link != nil {
		link := strings.TrimSpace(*req.Link)
		switch {
		case link == "":
			req.Link = nil
		case !security.ValidURL(link) && !strings.HasPrefix(link, "/"):
			writeError(w, http.StatusBadRequest, "link must be an http(s) URL or a path")
			return
		default:
			req.Link = &link
		}
	}

	recipient, err := h.accounts.GetByUsername(strings.TrimSpace(req.Username))
	if err != nil {
		h.logger.Error("lookup recipient", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recipient == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if recipient.ID == ac.AccountID {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}

	n, err := h.notifier.Notify(r.Context(), recipient.ID, model.NotifTypeMessage, ac.Username+": "+req.Message, req.Link)
	if err != nil {
		h.logger.Error("send message", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// List handles GET /notifications[?unread=true]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	unreadOnly := r.URL.Query().Get("unread") == "true"

	notifications, err := h.notifications.List(auth.AccountID(r.Context()), unreadOnly)
	if err != nil {
		h.logger.Error("list notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if notifications == nil {
		notifications = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

type markReadRequest struct {
	IDs []int64 `json:"ids"`
	All bool    `json:"all"`
}

// MarkRead handles POST /notifications/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req markReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.All && len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids or all is required")
		return
	}

	var updated int64
	var err error
	if req.All {
		updated, err = h.notifications.MarkAllRead(accountID)
	} else {
		updated, err = h.notifications.MarkRead(accountID, req.IDs)
	}
	if err != nil {
		h.logger.Error("mark notifications read", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// Delete handles DELETE /notifications/{id}
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	deleted, err := h.notifications.Delete(id, auth.AccountID(r.Context()))
	if err != nil {
		h.logger.Error("delete notification", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount handles GET /notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.notifications.UnreadCount(auth.AccountID(r.Context()))
	if err != nil {
		h.logger.Error("count unread notifications", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}
