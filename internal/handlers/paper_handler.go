package handlers

import (
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/autobotela-sys/zap-trading/internal/broker"
)

// PaperLoginHandler plays the broker login page for paper accounts. It
// mints a request token and sends the user back the way a real broker
// redirect would, so the two-phase login completes through set-token.
type PaperLoginHandler struct {
	paper       *broker.PaperClient
	redirectURL string
}

// NewPaperLoginHandler creates the paper login page. With an empty
// redirectURL the request token is returned as JSON instead.
func NewPaperLoginHandler(paper *broker.PaperClient, redirectURL string) *PaperLoginHandler {
	return &PaperLoginHandler{paper: paper, redirectURL: redirectURL}
}

// RegisterRoutes registers the paper login route
func (h *PaperLoginHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/paper/login", h.Login).Methods("GET")
}

// Login redirects to the callback with request_token and status=success
func (h *PaperLoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("api_key") == "" {
		writeError(w, http.StatusBadRequest, "api_key: is required")
		return
	}
	token := h.paper.IssueRequestToken()

	if h.redirectURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"request_token": token,
			"status":        "success",
		})
		return
	}

	target, err := url.Parse(h.redirectURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Invalid paper redirect URL")
		return
	}
	q := target.Query()
	q.Set("action", "login")
	q.Set("status", "success")
	q.Set("request_token", token)
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
