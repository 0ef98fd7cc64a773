package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/autobotela-sys/zap-trading/internal/models"
)

// errorResponse is the body of every non-2xx reply
type errorResponse struct {
	Detail string `json:"detail"`
}

// writeJSON writes data as JSON with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeServiceError maps service errors to HTTP status codes. Anything
// unrecognised is an infrastructure fault and its text is not echoed.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, models.ErrLoginInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrLoginNotStarted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrTokenExchangeFailed):
		writeError(w, http.StatusBadRequest, "Failed to set access token: "+err.Error())
	case errors.Is(err, models.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already registered")
	case errors.Is(err, models.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
	case errors.Is(err, models.ErrUnknownBroker):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeJSON decodes the request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// pathID parses the {id} route variable
func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
