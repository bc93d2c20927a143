package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/models"
	"github.com/shopspring/decimal"
)

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		OrderID    string          `json:"order_id"`
		ProductID  string          `json:"product_id"`
		SellerID   string          `json:"seller_id"`
		Quantity   int             `json:"quantity"`
		TotalPrice decimal.Decimal `json:"total_price"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := s.ledger.CreateOrder(r.Context(), actor, ledger.CreateOrderInput{
		OrderID:    req.OrderID,
		ProductID:  req.ProductID,
		SellerID:   req.SellerID,
		Quantity:   req.Quantity,
		TotalPrice: req.TotalPrice,
	})
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

func (s *Server) myOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	status := models.OrderStatus(r.URL.Query().Get("status"))

	book, err := s.ledger.GetOrdersFor(r.Context(), actor, status)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	order, err := s.ledger.GetOrder(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) orderHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	events, err := s.ledger.GetOrderHistory(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		Status          models.OrderStatus `json:"status"`
		ExpectedVersion int64              `json:"expected_version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := s.ledger.UpdateOrderStatus(r.Context(), actor, ledger.UpdateOrderStatusInput{
		OrderID:         mux.Vars(r)["id"],
		Status:          req.Status,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// cancelOrder accepts an empty body.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())

	var req struct {
		ExpectedVersion int64 `json:"expected_version"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	order, err := s.ledger.CancelOrder(r.Context(), actor, mux.Vars(r)["id"], req.ExpectedVersion)
	if err != nil {
		respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}
