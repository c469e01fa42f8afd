package executor

import (
	"context"
	"strings"

	"auto-trader-go/internal/binance"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"go.uber.org/zap"
)

// ProtectionLeg is the outcome of one protective order submission.
type ProtectionLeg struct {
	Submitted       bool   `json:"submitted"`
	ExchangeOrderID int64  `json:"exchangeOrderId,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ProtectionResult reports both protective legs so callers and
// monitoring can observe partial protection states.
type ProtectionResult struct {
	TakeProfit ProtectionLeg `json:"takeProfit"`
	StopLoss   ProtectionLeg `json:"stopLoss"`
}

// FullyProtected reports whether both legs were accepted.
func (r ProtectionResult) FullyProtected() bool {
	return r.TakeProfit.Submitted && r.StopLoss.Submitted
}

// PlaceProtectiveOrders submits the take-profit and stop-loss legs for
// a filled order. Both legs are opposite-side for the executed
// quantity, each independently signed and timestamped. The legs are
// independent: one leg failing does not stop the other, and there is
// no rollback between them. Successfully submitted legs are persisted
// as ledger rows linked to the parent order.
func (e *Executor) PlaceProtectiveOrders(ctx context.Context, creds binance.Credentials, order *models.Order, stopLossPrice, takeProfitPrice float64) ProtectionResult {
	closingSide := models.OppositeSide(order.Side)
	l := e.logger.With(
		zap.String("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.Uint("parent_order_id", order.ID),
	)

	var result ProtectionResult

	// Take-profit: LIMIT order at the take-profit price, GTC.
	tpReq := binance.OrderRequest{
		Symbol:      order.Symbol,
		Side:        closingSide,
		Kind:        models.KindLimit,
		Quantity:    order.FilledQuantity,
		Price:       takeProfitPrice,
		TimeInForce: binance.TimeInForceGTC,
	}
	result.TakeProfit = e.placeLeg(ctx, l, creds, order, models.RoleTakeProfit, tpReq)

	// Stop-loss: STOP_MARKET order triggered at the stop price.
	slReq := binance.OrderRequest{
		Symbol:    order.Symbol,
		Side:      closingSide,
		Kind:      models.KindStopMarket,
		Quantity:  order.FilledQuantity,
		StopPrice: stopLossPrice,
	}
	result.StopLoss = e.placeLeg(ctx, l, creds, order, models.RoleStopLoss, slReq)

	if !result.FullyProtected() {
		l.Warn("Position is not fully protected",
			zap.Bool("take_profit_submitted", result.TakeProfit.Submitted),
			zap.Bool("stop_loss_submitted", result.StopLoss.Submitted),
		)
	}
	return result
}

// placeLeg submits one protective leg and records it in the ledger.
// A ledger failure after a successful submission is logged only; the
// leg still protects the position on the exchange side.
func (e *Executor) placeLeg(ctx context.Context, l *zap.Logger, creds binance.Credentials, parent *models.Order, role string, req binance.OrderRequest) ProtectionLeg {
	resp, err := e.gateway.CreateOrder(ctx, creds, req)
	if err != nil {
		l.Error("Failed to place protective order",
			zap.String("leg", role),
			zap.Error(err),
		)
		metrics.ProtectiveOrders.WithLabelValues(role, "failed").Inc()
		return ProtectionLeg{Error: err.Error()}
	}
	metrics.ProtectiveOrders.WithLabelValues(role, "submitted").Inc()

	parentID := parent.ID
	row := &models.Order{
		UserID:          parent.UserID,
		BotID:           parent.BotID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Kind:            req.Kind,
		Quantity:        req.Quantity,
		Status:          strings.ToLower(resp.Status),
		ExchangeOrderID: resp.OrderID,
		TimeInForce:     resp.TimeInForce,
		Role:            role,
		ParentOrderID:   &parentID,
	}
	if role == models.RoleTakeProfit {
		price := req.Price
		row.Price = &price
	}
	if err := e.db.Create(row).Error; err != nil {
		l.Error("Protective order submitted but ledger write failed",
			zap.String("leg", role),
			zap.Int64("exchange_order_id", resp.OrderID),
			zap.Error(err),
		)
	}

	return ProtectionLeg{Submitted: true, ExchangeOrderID: resp.OrderID}
}
