package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/services"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

// AccountHandler handles linked account and broker login requests
type AccountHandler struct {
	accountService  services.AccountService
	loginService    services.LoginService
	positionService services.PositionService
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accountService services.AccountService, loginService services.LoginService, positionService services.PositionService) *AccountHandler {
	return &AccountHandler{
		accountService:  accountService,
		loginService:    loginService,
		positionService: positionService,
	}
}

// RegisterRoutes registers account routes
func (h *AccountHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts", h.GetAccounts).Methods("GET")
	router.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	router.HandleFunc("/accounts/set-token", h.SetToken).Methods("POST")
	router.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods("GET")
	router.HandleFunc("/accounts/{id:[0-9]+}", h.DeleteAccount).Methods("DELETE")
	router.HandleFunc("/accounts/{id:[0-9]+}/request-token", h.RequestToken).Methods("POST")
}

// GetAccounts lists the user's accounts with their P&L
func (h *AccountHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	accounts, err := h.positionService.AccountSummaries(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accounts)
}

// CreateAccount links a new broker account
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.AccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	account, err := h.accountService.Register(userID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.NewAccountResponse(account))
}

// GetAccount returns a single account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	account, err := h.accountService.Get(userID, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

// DeleteAccount revokes the account's session and removes it
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	if err := h.accountService.Remove(r.Context(), userID, accountID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{Success: true, Message: "Account deleted"})
}

// RequestToken starts a broker login and returns the authorization URL
func (h *AccountHandler) RequestToken(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	accountID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	loginURL, err := h.loginService.BeginLogin(userID, accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.LoginURLResponse{LoginURL: loginURL})
}

// SetToken completes a broker login with the redirected request token
func (h *AccountHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.SetTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if req.AccountID == 0 {
		writeError(w, http.StatusBadRequest, "account_id: is required")
		return
	}

	account, err := h.loginService.CompleteLogin(r.Context(), userID, req.AccountID, req.RequestToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Access token set successfully",
		Data:    models.NewAccountResponse(account),
	})
}
