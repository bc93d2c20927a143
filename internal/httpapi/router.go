// Package httpapi exposes the ledger over HTTP/JSON. Callers authenticate
// with a bearer token naming their identity and role; everything else is
// decided by the ledger service.
package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/safar/provenance-ledger/internal/ledger"
	"github.com/safar/provenance-ledger/internal/notify"
	"github.com/sirupsen/logrus"
)

type Server struct {
	ledger *ledger.Service
	inbox  *notify.Inbox
	auth   *Authenticator
	log    logrus.FieldLogger
}

func NewServer(svc *ledger.Service, inbox *notify.Inbox, auth *Authenticator, log logrus.FieldLogger) *Server {
	return &Server{ledger: svc, inbox: inbox, auth: auth, log: log}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	public := r.PathPrefix("/api/qr").Subrouter()
	public.HandleFunc("/verify", s.verifyQR).Methods(http.MethodPost)
	public.HandleFunc("/scan", s.scanQR).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.middleware)

	api.HandleFunc("/products", s.createProduct).Methods(http.MethodPost)
	api.HandleFunc("/products", s.listProducts).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}", s.getProduct).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}/history", s.productHistory).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}/transfer", s.transferProduct).Methods(http.MethodPost)
	api.HandleFunc("/products/{id}/status", s.updateStatus).Methods(http.MethodPost)
	api.HandleFunc("/products/{id}/qr", s.productQR).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}/audit", s.auditProduct).Methods(http.MethodGet)
	api.HandleFunc("/products/{id}/scans", s.productScans).Methods(http.MethodGet)

	api.HandleFunc("/orders", s.createOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.myOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/history", s.orderHistory).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/status", s.updateOrderStatus).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/cancel", s.cancelOrder).Methods(http.MethodPost)

	api.HandleFunc("/me", s.me).Methods(http.MethodGet)
	api.HandleFunc("/users", s.registerUser).Methods(http.MethodPost)
	api.HandleFunc("/users", s.listUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.getUser).Methods(http.MethodGet)

	api.HandleFunc("/notifications", s.listNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.clearNotifications).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/unread-count", s.unreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.markAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/read", s.markRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}", s.deleteNotification).Methods(http.MethodDelete)

	return s.logMiddleware(r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Info("request served")
		}
	})
}
