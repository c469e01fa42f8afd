package main

import (
	"encoding/json"
	"net/http"

	"auto-trader-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the dashboard API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db}
}

// OrdersHandler returns a user's order history, most recent first.
func (h *APIHandler) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	var orders []models.Order
	if err := h.db.Where("user_id = ?", userID).Order("created_at desc").Find(&orders).Error; err != nil {
		h.log.Error("Failed to get orders from database", zap.Error(err))
		http.Error(w, "Failed to get orders", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// PositionsHandler returns a user's open, protection-enabled positions.
func (h *APIHandler) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	var positions []models.Order
	err := h.db.
		Where("user_id = ? AND role = ? AND status = ?", userID, models.RolePrimary, models.StatusFilled).
		Where("auto_tp_sl_enabled = ?", true).
		Where("stop_loss_price IS NOT NULL AND take_profit_price IS NOT NULL").
		Order("created_at desc").
		Find(&positions).Error
	if err != nil {
		h.log.Error("Failed to get positions from database", zap.Error(err))
		http.Error(w, "Failed to get positions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	TotalOrders    int64            `json:"total_orders"`
	OpenPositions  int64            `json:"open_positions"`
	ClosedByExit   int64            `json:"closed_by_exit"`
	CloseFailed    int64            `json:"close_failed"`
	OrdersByStatus map[string]int64 `json:"orders_by_status"`
}

// StatisticsHandler aggregates order counts for a user.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	response := StatisticsResponse{OrdersByStatus: make(map[string]int64)}

	base := h.db.Model(&models.Order{}).Where("user_id = ?", userID)
	if err := base.Session(&gorm.Session{}).Count(&response.TotalOrders).Error; err != nil {
		h.log.Error("Failed to count orders", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var byStatus []statusCount
	err := h.db.Model(&models.Order{}).
		Select("status, count(*) as count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&byStatus).Error
	if err != nil {
		h.log.Error("Failed to group orders by status", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	for _, sc := range byStatus {
		response.OrdersByStatus[sc.Status] = sc.Count
	}
	response.OpenPositions = response.OrdersByStatus[models.StatusFilled]
	response.ClosedByExit = response.OrdersByStatus[models.StatusClosed]
	response.CloseFailed = response.OrdersByStatus[models.StatusCloseFailed]

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
