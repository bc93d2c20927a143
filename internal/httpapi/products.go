package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/safar/provenance-ledger/internal/store"
	"github.com/shopspring/decimal"
)

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		ProductID   string          `json:"product_id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		Price       decimal.Decimal `json:"price"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := s.ledger.CreateProduct(r.Context(), actor, ledger.CreateProductInput{
		ProductID:   req.ProductID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Price:       req.Price,
	})
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, product)
}

// listProducts serves every product, or with mine=true the caller's own.
func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	q := r.URL.Query()

	filter := store.ProductFilter{
		Owner:  q.Get("owner"),
		Status: models.ProductStatus(q.Get("status")),
		Cursor: q.Get("cursor"),
	}
	if q.Get("mine") == "true" {
		filter.Owner = actor.ID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	page, err := s.ledger.ListProducts(r.Context(), filter)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.ledger.GetState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) productHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.ledger.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events":  history,
		"custody": ledger.Custody(history),
	})
}

func (s *Server) transferProduct(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		NewOwner        string `json:"new_owner"`
		Location        string `json:"location"`
		Description     string `json:"description"`
		ExpectedVersion int64  `json:"expected_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := s.ledger.TransferProduct(r.Context(), actor, ledger.TransferProductInput{
		ProductID:       mux.Vars(r)["id"],
		NewOwner:        req.NewOwner,
		Location:        req.Location,
		Description:     req.Description,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		Status          models.ProductStatus `json:"status"`
		Location        string               `json:"location"`
		Description     string               `json:"description"`
		ExpectedVersion int64                `json:"expected_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := s.ledger.UpdateStatus(r.Context(), actor, ledger.UpdateStatusInput{
		ProductID:       mux.Vars(r)["id"],
		Status:          req.Status,
		Location:        req.Location,
		Description:     req.Description,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) productQR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	payload, err := s.ledger.Bind(r.Context(), id)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"product_id": id, "qr_payload": payload})
}

func (s *Server) auditProduct(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.AuditProduct(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) productScans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	scans, err := s.ledger.ListScans(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, scans)
}

type verifyRequest struct {
	Payload           string `json:"payload"`
	ExpectedProductID string `json:"expected_product_id"`
}

func (s *Server) verifyQR(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := s.ledger.Verify(r.Context(), req.Payload, req.ExpectedProductID)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) scanQR(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := s.ledger.Scan(r.Context(), req.Payload)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}
