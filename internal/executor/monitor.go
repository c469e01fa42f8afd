package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auto-trader-go/internal/config"
	"auto-trader-go/internal/metrics"
	"auto-trader-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Exit trigger types.
const (
	TriggerStopLoss   = "STOP_LOSS"
	TriggerTakeProfit = "TAKE_PROFIT"
)

// ExitOutcome is the result of evaluating one open position.
type ExitOutcome struct {
	OrderID      uint           `json:"orderId"`
	Symbol       string         `json:"symbol"`
	Triggered    string         `json:"triggered,omitempty"`
	CurrentPrice float64        `json:"currentPrice"`
	Close        *ExecuteResult `json:"close,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// openPositions returns the user's filled, protection-enabled primary
// orders with both protective prices set.
func (e *Executor) openPositions(userID string) ([]models.Order, error) {
	var positions []models.Order
	err := e.db.
		Where("user_id = ? AND role = ? AND status = ?", userID, models.RolePrimary, models.StatusFilled).
		Where("auto_tp_sl_enabled = ?", true).
		Where("stop_loss_price IS NOT NULL AND take_profit_price IS NOT NULL").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions for user %s: %w", userID, err)
	}
	return positions, nil
}

// evaluateTrigger decides whether the current price crossed one of the
// position's protective levels. Stop-loss is checked first and wins if
// both levels are somehow crossed at once. Returns the empty string
// when no level is crossed.
func evaluateTrigger(position *models.Order, currentPrice float64) string {
	sl, tp := *position.StopLossPrice, *position.TakeProfitPrice
	if position.Side == models.SideBuy {
		if currentPrice <= sl {
			return TriggerStopLoss
		}
		if currentPrice >= tp {
			return TriggerTakeProfit
		}
		return ""
	}
	// Original side SELL: levels mirror.
	if currentPrice >= sl {
		return TriggerStopLoss
	}
	if currentPrice <= tp {
		return TriggerTakeProfit
	}
	return ""
}

// CheckProtectiveExits evaluates every open, protection-enabled
// position for the user against the live market price and closes the
// ones whose protective level was crossed. One position's failure does
// not stop evaluation of the rest.
func (e *Executor) CheckProtectiveExits(ctx context.Context, userID string) ([]ExitOutcome, error) {
	settings, err := e.loadSettings(userID)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, nil // no settings, nothing to monitor
		}
		return nil, err
	}
	if !settings.AutoTPSL {
		return nil, nil
	}

	positions, err := e.openPositions(userID)
	if err != nil {
		return nil, err
	}

	l := e.logger.With(zap.String("user_id", userID))
	outcomes := make([]ExitOutcome, 0, len(positions))

	for i := range positions {
		position := &positions[i]
		outcome := ExitOutcome{OrderID: position.ID, Symbol: position.Symbol}

		currentPrice, err := e.gateway.GetTickerPrice(ctx, position.Symbol)
		if err != nil {
			outcome.Error = fmt.Sprintf("failed to read price: %v", err)
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.CurrentPrice = currentPrice

		trigger := evaluateTrigger(position, currentPrice)
		if trigger == "" {
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Triggered = trigger

		// Claim the position before submitting the closing order, so
		// overlapping ticks cannot both close it. Exactly one caller
		// flips filled to closing; everyone else skips.
		claim := e.db.Model(&models.Order{}).
			Where("id = ? AND status = ?", position.ID, models.StatusFilled).
			Update("status", models.StatusClosing)
		if claim.Error != nil {
			outcome.Error = fmt.Sprintf("failed to claim position: %v", claim.Error)
			outcomes = append(outcomes, outcome)
			continue
		}
		if claim.RowsAffected == 0 {
			l.Debug("Position already claimed by a concurrent check",
				zap.Uint("order_id", position.ID))
			continue
		}

		l.Info("Protective level crossed, closing position",
			zap.Uint("order_id", position.ID),
			zap.String("symbol", position.Symbol),
			zap.String("trigger", trigger),
			zap.Float64("current_price", currentPrice),
			zap.Float64p("stop_loss", position.StopLossPrice),
			zap.Float64p("take_profit", position.TakeProfitPrice),
		)
		metrics.ExitsTriggered.WithLabelValues(trigger).Inc()

		closeResult, err := e.closePosition(ctx, position)
		if err != nil {
			outcome.Error = err.Error()
			e.recordCloseFailure(l, position)
		} else {
			outcome.Close = closeResult
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

// closePosition submits the opposite-side market order for the full
// filled quantity and links it back to the position.
func (e *Executor) closePosition(ctx context.Context, position *models.Order) (*ExecuteResult, error) {
	closeReq := TradeRequest{
		Symbol:   position.Symbol,
		Side:     models.OppositeSide(position.Side),
		Quantity: position.FilledQuantity,
		Kind:     models.KindMarket,
		UserID:   position.UserID,
		BotID:    position.BotID,
		role:     models.RoleClose,
	}

	result, err := e.ExecuteTrade(ctx, closeReq)
	if err != nil {
		return nil, err
	}

	parentID := position.ID
	updates := map[string]interface{}{"parent_order_id": &parentID}
	if err := e.db.Model(result.Order).Updates(updates).Error; err != nil {
		e.logger.Warn("Failed to link closing order to position",
			zap.Uint("order_id", position.ID), zap.Error(err))
	}
	if err := e.db.Model(position).Update("status", models.StatusClosed).Error; err != nil {
		e.logger.Error("Closing order submitted but position status update failed",
			zap.Uint("order_id", position.ID), zap.Error(err))
	}
	return result, nil
}

// recordCloseFailure bumps the position's close attempt counter. Below
// the configured bound the position reverts to filled and gets retried
// on the next tick; at the bound it is parked as close_failed so a
// persistently failing close cannot recur unnoticed forever.
func (e *Executor) recordCloseFailure(l *zap.Logger, position *models.Order) {
	attempts := position.CloseAttempts + 1
	status := models.StatusFilled
	if attempts >= e.cfg.Monitor.MaxCloseAttempts {
		status = models.StatusCloseFailed
		l.Error("Giving up on closing position",
			zap.Uint("order_id", position.ID),
			zap.Int("attempts", attempts),
		)
	}
	err := e.db.Model(position).Updates(map[string]interface{}{
		"close_attempts": attempts,
		"status":         status,
	}).Error
	if err != nil {
		l.Error("Failed to record close failure",
			zap.Uint("order_id", position.ID), zap.Error(err))
	}
}

// Monitor periodically runs protective-exit checks for every user with
// auto TP/SL enabled.
type Monitor struct {
	logger   *zap.Logger
	executor *Executor
	db       *gorm.DB
	interval time.Duration
}

// NewMonitor creates a new position monitor.
func NewMonitor(logger *zap.Logger, cfg *config.Config, executor *Executor, db *gorm.DB) *Monitor {
	return &Monitor{
		logger:   logger.Named("monitor"),
		executor: executor,
		db:       db,
		interval: time.Duration(cfg.Monitor.TickInterval) * time.Second,
	}
}

// Run starts the monitor's tick loop and blocks until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Starting protective-exit monitor", zap.Duration("interval", m.interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping protective-exit monitor...")
			return
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.logger.Error("Exit check tick failed", zap.Error(err))
			}
		}
	}
}

// tick runs one round of exit checks across all monitored users.
func (m *Monitor) tick(ctx context.Context) error {
	var userIDs []string
	err := m.db.Model(&models.UserSettings{}).
		Where("auto_tp_sl = ?", true).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return fmt.Errorf("failed to list monitored users: %w", err)
	}

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcomes, err := m.executor.CheckProtectiveExits(ctx, userID)
		if err != nil {
			m.logger.Error("Exit check failed for user",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		for _, o := range outcomes {
			if o.Triggered != "" {
				m.logger.Info("Exit evaluated",
					zap.String("user_id", userID),
					zap.Uint("order_id", o.OrderID),
					zap.String("trigger", o.Triggered),
					zap.Bool("closed", o.Close != nil),
				)
			}
		}
	}
	return nil
}
