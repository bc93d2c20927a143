package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/safar/provenance-ledger/internal/models"
)

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	identity, err := s.ledger.GetIdentity(r.Context(), actor.ID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req models.Identity
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Active = true

	identity, err := s.ledger.RegisterIdentity(r.Context(), actor, req)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, identity)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	role := models.Role(r.URL.Query().Get("role"))

	identities, err := s.ledger.ListIdentities(r.Context(), role)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identities)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	identity, err := s.ledger.GetIdentity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}
