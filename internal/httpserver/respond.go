package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ILLUVRSE/timelock/internal/lifecycle"
	"github.com/ILLUVRSE/timelock/internal/store"
)

const unexpectedMessage = "An unexpected error occurred"

var logger = log.New(os.Stdout, "[http] ", log.LstdFlags)

type errorBody struct {
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   msg,
	})
}

// respondServiceError maps lifecycle kinds onto status codes. Anything unclassified is
// logged and hidden behind a generic 500.
func respondServiceError(w http.ResponseWriter, err error) {
	if kind, ok := lifecycle.KindOf(err); ok {
		switch {
		case kind == lifecycle.KindNotFound:
			respondError(w, http.StatusNotFound, err.Error())
		case kind == lifecycle.KindValidation:
			respondError(w, http.StatusBadRequest, err.Error())
		case kind.BusinessRule():
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, unexpectedMessage)
		}
		return
	}
	if errors.Is(err, store.ErrInvalidSort) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, store.ErrConflict) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	logger.Printf("unhandled error: %v", err)
	respondError(w, http.StatusInternalServerError, unexpectedMessage)
}
