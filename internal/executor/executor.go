package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"auto-trader-go/internal/binance"
	"auto-trader-go/internal/config"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TradeRequest is a single trade submission on behalf of a user.
// Transient; constructed per call, never persisted directly.
type TradeRequest struct {
	Symbol            string   `json:"symbol"`
	Side              string   `json:"side"`
	Quantity          float64  `json:"quantity"`
	Kind              string   `json:"type"`
	Price             *float64 `json:"price,omitempty"`
	TimeInForce       string   `json:"timeInForce,omitempty"`
	UserID            string   `json:"userId"`
	BotID             *string  `json:"botId,omitempty"`
	StopLossPercent   *float64 `json:"stopLossPercent,omitempty"`
	TakeProfitPercent *float64 `json:"takeProfitPercent,omitempty"`

	// role distinguishes user-initiated orders from the monitor's
	// closing orders; not part of the wire payload.
	role string
}

// ExecuteResult is the outcome of a successful trade execution.
type ExecuteResult struct {
	Order           *models.Order                `json:"order"`
	Exchange        *binance.CreateOrderResponse `json:"exchangeOrder"`
	AutoTPSLEnabled bool                         `json:"autoTpSlEnabled"`
	StopLossPrice   *float64                     `json:"stopLossPrice,omitempty"`
	TakeProfitPrice *float64                     `json:"takeProfitPrice,omitempty"`
	Protection      *ProtectionResult            `json:"protection,omitempty"`
}

// Executor validates trade requests against per-user limits, submits
// them to the exchange and records the result in the order ledger.
type Executor struct {
	logger  *zap.Logger
	cfg     *config.Config
	gateway binance.RestClientInterface
	db      *gorm.DB
}

// NewExecutor creates a new trade executor.
func NewExecutor(logger *zap.Logger, cfg *config.Config, gateway binance.RestClientInterface, db *gorm.DB) *Executor {
	return &Executor{
		logger:  logger,
		cfg:     cfg,
		gateway: gateway,
		db:      db,
	}
}

// loadSettings reads the user's settings row. Always loaded fresh per
// invocation; gating flags are never cached.
func (e *Executor) loadSettings(userID string) (*models.UserSettings, error) {
	var settings models.UserSettings
	if err := e.db.Where("user_id = ?", userID).First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("no trading settings found for user %s", userID)}
		}
		return nil, fmt.Errorf("failed to load settings for user %s: %w", userID, err)
	}
	return &settings, nil
}

// dayBoundsUTC returns the UTC calendar day containing t as an
// inclusive start and exclusive end.
func dayBoundsUTC(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// countTradesToday counts the user's orders for the current UTC day.
// Protective legs placed by the service do not consume the daily budget.
func (e *Executor) countTradesToday(userID string) (int64, error) {
	start, end := dayBoundsUTC(time.Now())
	var count int64
	err := e.db.Model(&models.Order{}).
		Where("user_id = ? AND role IN ? AND created_at >= ? AND created_at < ?",
			userID, []string{models.RolePrimary, models.RoleClose}, start, end).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count today's trades for user %s: %w", userID, err)
	}
	return count, nil
}

// protectivePrices derives absolute stop-loss and take-profit prices
// from the reference fill price. Per-request percentages override the
// account defaults.
func protectivePrices(req *TradeRequest, settings *models.UserSettings, avgPrice float64) (stopLoss, takeProfit float64) {
	slPct := settings.StopLossPercent
	if req.StopLossPercent != nil {
		slPct = *req.StopLossPercent
	}
	tpPct := settings.TakeProfitPercent
	if req.TakeProfitPercent != nil {
		tpPct = *req.TakeProfitPercent
	}

	if req.Side == models.SideBuy {
		stopLoss = avgPrice * (1 - slPct/100)
		takeProfit = avgPrice * (1 + tpPct/100)
	} else {
		stopLoss = avgPrice * (1 + slPct/100)
		takeProfit = avgPrice * (1 - tpPct/100)
	}
	return stopLoss, takeProfit
}

// ExecuteTrade validates the request against the user's limits, submits
// the order, persists it and, for filled orders with protection
// enabled, places the protective legs. Protective placement failures
// are reported in the result but never fail the call.
func (e *Executor) ExecuteTrade(ctx context.Context, req TradeRequest) (*ExecuteResult, error) {
	if req.role == "" {
		req.role = models.RolePrimary
	}
	l := e.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.String("type", req.Kind),
	)

	res, err := e.executeTrade(ctx, l, &req)
	if err != nil {
		metrics.TradeFailures.WithLabelValues(ErrorCode(err)).Inc()
		return nil, err
	}
	metrics.TradesExecuted.WithLabelValues(req.Side, res.Order.Status).Inc()
	return res, nil
}

func (e *Executor) executeTrade(ctx context.Context, l *zap.Logger, req *TradeRequest) (*ExecuteResult, error) {
	// 1. Gate on the user's settings, loaded fresh every call.
	settings, err := e.loadSettings(req.UserID)
	if err != nil {
		return nil, err
	}
	if !settings.AutoTrading {
		return nil, &ConfigurationError{Reason: "auto trading is disabled"}
	}
	if !settings.HasCredentials() {
		return nil, &ConfigurationError{Reason: "exchange API credentials are not configured"}
	}

	// 2. Daily trade cap (UTC calendar day).
	if settings.MaxDailyTrades > 0 {
		count, err := e.countTradesToday(req.UserID)
		if err != nil {
			return nil, err
		}
		if count >= settings.MaxDailyTrades {
			return nil, &LimitExceededError{
				Reason: fmt.Sprintf("daily trade limit reached (%d/%d)", count, settings.MaxDailyTrades),
			}
		}
	}

	// 3. Position notional cap. Market orders without a price estimate
	// use 0 and always pass; preserved source behavior, flagged for
	// product clarification.
	if settings.MaxPositionSize > 0 {
		price := 0.0
		if req.Price != nil {
			price = *req.Price
		}
		notional := req.Quantity * price
		if notional > settings.MaxPositionSize {
			return nil, &LimitExceededError{
				Reason: fmt.Sprintf("position size %.8g exceeds maximum %.8g", notional, settings.MaxPositionSize),
			}
		}
	}

	// 4-5. Build, sign and submit the exchange order.
	orderReq := binance.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
	}
	if req.Kind == models.KindLimit && req.Price != nil {
		orderReq.Price = *req.Price
	}

	creds := binance.Credentials{APIKey: settings.APIKey, SecretKey: settings.SecretKey}
	exchangeOrder, err := e.gateway.CreateOrder(ctx, creds, orderReq)
	if err != nil {
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) {
			return nil, &ExchangeError{StatusCode: apiErr.StatusCode, Body: apiErr.Body}
		}
		return nil, &ExchangeError{Body: err.Error()}
	}

	// 6. Protective levels from the first reported fill.
	var stopLossPrice, takeProfitPrice *float64
	if settings.AutoTPSL && len(exchangeOrder.Fills) > 0 {
		avgPrice, err := strconv.ParseFloat(exchangeOrder.Fills[0].Price, 64)
		if err == nil && avgPrice > 0 {
			sl, tp := protectivePrices(req, settings, avgPrice)
			stopLossPrice, takeProfitPrice = &sl, &tp
		} else {
			l.Warn("Could not parse fill price, skipping protective levels",
				zap.String("fill_price", exchangeOrder.Fills[0].Price))
		}
	}

	// 7. Persist the order mirroring the exchange result.
	order := e.buildOrder(req, settings, exchangeOrder, stopLossPrice, takeProfitPrice)
	if err := e.db.Create(order).Error; err != nil {
		l.Error("Order submitted to exchange but ledger write failed",
			zap.Int64("exchange_order_id", exchangeOrder.OrderID), zap.Error(err))
		return nil, &PersistenceError{Err: err}
	}
	l.Info("Order persisted",
		zap.Uint("order_id", order.ID),
		zap.Int64("exchange_order_id", order.ExchangeOrderID),
		zap.String("status", order.Status),
	)

	result := &ExecuteResult{
		Order:           order,
		Exchange:        exchangeOrder,
		AutoTPSLEnabled: settings.AutoTPSL,
		StopLossPrice:   stopLossPrice,
		TakeProfitPrice: takeProfitPrice,
	}

	// 8. Protective legs for filled, protection-enabled orders.
	// Failures here are reported per leg, never propagated. Closing
	// orders are exits and never get fresh protection of their own.
	if req.role == models.RolePrimary && settings.AutoTPSL && order.Status == models.StatusFilled && stopLossPrice != nil && takeProfitPrice != nil {
		protection := e.PlaceProtectiveOrders(ctx, creds, order, *stopLossPrice, *takeProfitPrice)
		result.Protection = &protection
	}

	return result, nil
}

// buildOrder maps an exchange order result onto a ledger row.
func (e *Executor) buildOrder(req *TradeRequest, settings *models.UserSettings, ex *binance.CreateOrderResponse, sl, tp *float64) *models.Order {
	executedQty, _ := strconv.ParseFloat(ex.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(ex.CummulativeQuoteQty, 64)

	avgPrice := 0.0
	if executedQty > 0 {
		avgPrice = quoteQty / executedQty
	}

	commission := 0.0
	for _, fill := range ex.Fills {
		c, _ := strconv.ParseFloat(fill.Commission, 64)
		commission += c
	}

	status := strings.ToLower(ex.Status)
	order := &models.Order{
		UserID:          req.UserID,
		BotID:           req.BotID,
		Symbol:          ex.Symbol,
		Side:            req.Side,
		Kind:            req.Kind,
		Quantity:        req.Quantity,
		Price:           req.Price,
		FilledQuantity:  executedQty,
		AvgFillPrice:    avgPrice,
		Status:          status,
		ExchangeOrderID: ex.OrderID,
		TimeInForce:     ex.TimeInForce,
		Commission:      commission,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		AutoTPSLEnabled: settings.AutoTPSL,
		Role:            req.role,
	}
	if status == models.StatusFilled {
		now := time.Now().UTC()
		order.ExecutedAt = &now
	}
	return order
}

// GetAccountInfo passes the raw exchange account snapshot through for
// the given user, after the same credential gating as trading.
func (e *Executor) GetAccountInfo(ctx context.Context, userID string) ([]byte, error) {
	settings, err := e.loadSettings(userID)
	if err != nil {
		return nil, err
	}
	if !settings.HasCredentials() {
		return nil, &ConfigurationError{Reason: "exchange API credentials are not configured"}
	}

	creds := binance.Credentials{APIKey: settings.APIKey, SecretKey: settings.SecretKey}
	raw, err := e.gateway.GetAccountInfo(ctx, creds)
	if err != nil {
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) {
			return nil, &ExchangeError{StatusCode: apiErr.StatusCode, Body: apiErr.Body}
		}
		return nil, &ExchangeError{Body: err.Error()}
	}
	return raw, nil
}
