package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/provenance-ledger/internal/ledger"
	log "github.com/sirupsen/logrus"
)

type errorBody struct {
	Error string      `json:"error"`
	Kind  ledger.Kind `json:"kind,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}

// statusFor maps a ledger error kind to its HTTP status.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindForbidden:
		return http.StatusForbidden
	case ledger.KindInvalidArgument:
		return http.StatusBadRequest
	case ledger.KindConflict, ledger.KindBusy:
		return http.StatusConflict
	case ledger.KindInvalidState, ledger.KindAuthenticity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondLedgerError writes err with the status of its kind. Internal
// failures are reported without their cause.
func respondLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)

	message := err.Error()
	var lerr *ledger.Error
	if status == http.StatusInternalServerError {
		message = "internal error"
	} else if errors.As(err, &lerr) && lerr.Message != "" {
		message = lerr.Message
	}
	if kind == ledger.KindBusy {
		w.Header().Set("Retry-After", "1")
	}
	respondJSON(w, status, errorBody{Error: message, Kind: kind})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
