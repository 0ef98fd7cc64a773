package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/autobotela-sys/zap-trading/internal/models"
	"github.com/autobotela-sys/zap-trading/internal/services"
	"github.com/autobotela-sys/zap-trading/internal/utils"
)

// OrderHandler handles order fan-out and position requests
type OrderHandler struct {
	orderService    services.OrderService
	positionService services.PositionService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(orderService services.OrderService, positionService services.PositionService) *OrderHandler {
	return &OrderHandler{
		orderService:    orderService,
		positionService: positionService,
	}
}

// RegisterRoutes registers order and position routes
func (h *OrderHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orders/place", h.PlaceOrder).Methods("POST")
	router.HandleFunc("/positions", h.GetPositions).Methods("GET")
	router.HandleFunc("/instruments", h.GetInstruments).Methods("GET")
}

// PlaceOrder replicates one order across the requested accounts. Partial
// and total per-account failure are both reported with 200.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.OrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	result, err := h.orderService.PlaceOrder(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetPositions returns open positions across the user's active accounts.
// Accounts that could not be queried are reported in headers so the body
// stays a plain position list.
func (h *OrderHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	report, err := h.positionService.GetPositions(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if len(report.Failures) > 0 {
		ids := make([]string, len(report.Failures))
		for i, f := range report.Failures {
			ids[i] = strconv.FormatUint(uint64(f.AccountID), 10)
		}
		w.Header().Set("X-Positions-Partial", "true")
		w.Header().Set("X-Positions-Failed-Accounts", strings.Join(ids, ","))
	}

	writeJSON(w, http.StatusOK, report.Positions)
}

// GetInstruments lists the tradable indices with their lot sizes
func (h *OrderHandler) GetInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Indices())
}
