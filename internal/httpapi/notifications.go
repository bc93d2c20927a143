package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/safar/provenance-ledger/internal/notify"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"
	respondJSON(w, http.StatusOK, s.inbox.List(actor.ID, unreadOnly))
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"unread": s.inbox.UnreadCount(actor.ID)})
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if err := s.inbox.MarkRead(actor.ID, mux.Vars(r)["id"]); err != nil {
		respondInboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	respondJSON(w, http.StatusOK, map[string]int{"updated": s.inbox.MarkAllRead(actor.ID)})
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	if err := s.inbox.Delete(actor.ID, mux.Vars(r)["id"]); err != nil {
		respondInboxError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearNotifications(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	s.inbox.Clear(actor.ID)
	w.WriteHeader(http.StatusNoContent)
}

func respondInboxError(w http.ResponseWriter, err error) {
	if errors.Is(err, notify.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal error")
}
