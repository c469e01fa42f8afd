package executor

import (
	"context"
	"errors"
	"testing"

	"auto-trader-go/internal/binance"
	"auto-trader-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// createPosition inserts a filled, protection-enabled primary order.
func createPosition(t *testing.T, db *gorm.DB, userID, symbol, side string, sl, tp, qty float64) *models.Order {
	position := &models.Order{
		UserID:          userID,
		Symbol:          symbol,
		Side:            side,
		Kind:            models.KindMarket,
		Quantity:        qty,
		FilledQuantity:  qty,
		Status:          models.StatusFilled,
		StopLossPrice:   &sl,
		TakeProfitPrice: &tp,
		AutoTPSLEnabled: true,
		Role:            models.RolePrimary,
	}
	assert.NoError(t, db.Create(position).Error)
	return position
}

func TestEvaluateTrigger(t *testing.T) {
	sl, tp := 95.0, 110.0

	tests := []struct {
		name     string
		side     string
		price    float64
		expected string
	}{
		{"BuyBetweenLevels", models.SideBuy, 100, ""},
		{"BuyStopLossCrossed", models.SideBuy, 94, TriggerStopLoss},
		{"BuyStopLossExact", models.SideBuy, 95, TriggerStopLoss},
		{"BuyTakeProfitCrossed", models.SideBuy, 111, TriggerTakeProfit},
		{"BuyTakeProfitExact", models.SideBuy, 110, TriggerTakeProfit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			position := &models.Order{Side: tt.side, StopLossPrice: &sl, TakeProfitPrice: &tp}
			assert.Equal(t, tt.expected, evaluateTrigger(position, tt.price))
		})
	}

	// SELL positions mirror: stop-loss sits above the entry.
	sellSL, sellTP := 105.0, 90.0
	sellTests := []struct {
		name     string
		price    float64
		expected string
	}{
		{"SellBetweenLevels", 100, ""},
		{"SellStopLossCrossed", 106, TriggerStopLoss},
		{"SellTakeProfitCrossed", 89, TriggerTakeProfit},
	}
	for _, tt := range sellTests {
		t.Run(tt.name, func(t *testing.T) {
			position := &models.Order{Side: models.SideSell, StopLossPrice: &sellSL, TakeProfitPrice: &sellTP}
			assert.Equal(t, tt.expected, evaluateTrigger(position, tt.price))
		})
	}
}

func TestEvaluateTrigger_StopLossTakesPrecedence(t *testing.T) {
	// Degenerate levels where both conditions hold at once.
	sl, tp := 100.0, 100.0
	position := &models.Order{Side: models.SideBuy, StopLossPrice: &sl, TakeProfitPrice: &tp}
	assert.Equal(t, TriggerStopLoss, evaluateTrigger(position, 100))
}

func TestCheckProtectiveExits_NoSettings(t *testing.T) {
	_, mockClient, exec := setupTest(t)

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "nobody")

	assert.NoError(t, err)
	assert.Empty(t, outcomes)
	mockClient.AssertNotCalled(t, "GetTickerPrice", mock.Anything, mock.Anything)
}

func TestCheckProtectiveExits_AutoTPSLDisabled(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	settings := createSettings(t, db, "user-1")
	db.Model(settings).Update("auto_tp_sl", false)
	createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Empty(t, outcomes)
	mockClient.AssertNotCalled(t, "GetTickerPrice", mock.Anything, mock.Anything)
}

func TestCheckProtectiveExits_NoCrossing(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	mockClient.On("GetTickerPrice", mock.Anything, "BTCUSDT").Return(100.0, nil).Once()

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Empty(t, outcomes[0].Triggered)
	assert.Equal(t, 100.0, outcomes[0].CurrentPrice)
	mockClient.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckProtectiveExits_StopLossClosesPosition(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	position := createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	mockClient.On("GetTickerPrice", mock.Anything, "BTCUSDT").Return(94.0, nil).Once()
	// The closing order is the opposite side for the filled quantity.
	closing := mock.MatchedBy(func(r binance.OrderRequest) bool {
		return r.Side == models.SideSell && r.Kind == models.KindMarket && r.Quantity == 0.5
	})
	mockClient.On("CreateOrder", mock.Anything, mock.Anything, closing).
		Return(filledResponse("BTCUSDT", "SELL", "94", "0.5"), nil).Once()

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, TriggerStopLoss, outcomes[0].Triggered)
	assert.NotNil(t, outcomes[0].Close)
	assert.Empty(t, outcomes[0].Error)

	// The position left the open set and the closing row links back.
	var reloaded models.Order
	assert.NoError(t, db.First(&reloaded, position.ID).Error)
	assert.Equal(t, models.StatusClosed, reloaded.Status)

	var closeRow models.Order
	assert.NoError(t, db.Where("role = ?", models.RoleClose).First(&closeRow).Error)
	assert.Equal(t, position.ID, *closeRow.ParentOrderID)
	assert.Equal(t, models.SideSell, closeRow.Side)

	mockClient.AssertExpectations(t)
}

func TestCheckProtectiveExits_TakeProfitForSellPosition(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	createPosition(t, db, "user-1", "ETHUSDT", models.SideSell, 105, 90, 2)

	mockClient.On("GetTickerPrice", mock.Anything, "ETHUSDT").Return(89.5, nil).Once()
	closing := mock.MatchedBy(func(r binance.OrderRequest) bool {
		return r.Side == models.SideBuy && r.Kind == models.KindMarket && r.Quantity == 2.0
	})
	mockClient.On("CreateOrder", mock.Anything, mock.Anything, closing).
		Return(filledResponse("ETHUSDT", "BUY", "89.5", "2"), nil).Once()

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, TriggerTakeProfit, outcomes[0].Triggered)
	mockClient.AssertExpectations(t)
}

func TestCheckProtectiveExits_SecondCallIsNoOp(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	mockClient.On("GetTickerPrice", mock.Anything, "BTCUSDT").Return(94.0, nil)
	mockClient.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(filledResponse("BTCUSDT", "SELL", "94", "0.5"), nil)

	first, err := exec.CheckProtectiveExits(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := exec.CheckProtectiveExits(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Empty(t, second)

	// At most one closing trade per open position.
	var closes int64
	db.Model(&models.Order{}).Where("role = ?", models.RoleClose).Count(&closes)
	assert.Equal(t, int64(1), closes)
	mockClient.AssertNumberOfCalls(t, "CreateOrder", 1)
}

func TestCheckProtectiveExits_CloseFailureIsBounded(t *testing.T) {
	db, mockClient, exec := setupTest(t) // MaxCloseAttempts = 2
	createSettings(t, db, "user-1")
	position := createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	mockClient.On("GetTickerPrice", mock.Anything, "BTCUSDT").Return(94.0, nil)
	mockClient.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &binance.APIError{StatusCode: 503, Body: "maintenance"})

	// First failure: position reverts to filled for the next tick.
	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Contains(t, outcomes[0].Error, "maintenance")

	var reloaded models.Order
	assert.NoError(t, db.First(&reloaded, position.ID).Error)
	assert.Equal(t, models.StatusFilled, reloaded.Status)
	assert.Equal(t, 1, reloaded.CloseAttempts)

	// Second failure hits the bound: parked as close_failed.
	outcomes, err = exec.CheckProtectiveExits(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)

	assert.NoError(t, db.First(&reloaded, position.ID).Error)
	assert.Equal(t, models.StatusCloseFailed, reloaded.Status)
	assert.Equal(t, 2, reloaded.CloseAttempts)

	// Terminal: the position no longer shows up as open.
	outcomes, err = exec.CheckProtectiveExits(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Empty(t, outcomes)
	mockClient.AssertNumberOfCalls(t, "CreateOrder", 2)
}

func TestCheckProtectiveExits_PerPositionErrorsAreIsolated(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	createPosition(t, db, "user-1", "AAAUSDT", models.SideBuy, 95, 110, 1)
	createPosition(t, db, "user-1", "BBBUSDT", models.SideBuy, 95, 110, 1)

	mockClient.On("GetTickerPrice", mock.Anything, "AAAUSDT").
		Return(0.0, errors.New("symbol suspended")).Once()
	mockClient.On("GetTickerPrice", mock.Anything, "BBBUSDT").Return(94.0, nil).Once()
	mockClient.On("CreateOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(filledResponse("BBBUSDT", "SELL", "94", "1"), nil).Once()

	outcomes, err := exec.CheckProtectiveExits(context.Background(), "user-1")

	assert.NoError(t, err)
	assert.Len(t, outcomes, 2)

	bySymbol := map[string]ExitOutcome{}
	for _, o := range outcomes {
		bySymbol[o.Symbol] = o
	}
	assert.Contains(t, bySymbol["AAAUSDT"].Error, "symbol suspended")
	assert.Equal(t, TriggerStopLoss, bySymbol["BBBUSDT"].Triggered)
	assert.NotNil(t, bySymbol["BBBUSDT"].Close)
}

func TestMonitorTick_CoversEnabledUsers(t *testing.T) {
	db, mockClient, exec := setupTest(t)
	createSettings(t, db, "user-1")
	settings2 := createSettings(t, db, "user-2")
	db.Model(settings2).Update("auto_tp_sl", false)

	createPosition(t, db, "user-1", "BTCUSDT", models.SideBuy, 95, 110, 0.5)
	createPosition(t, db, "user-2", "BTCUSDT", models.SideBuy, 95, 110, 0.5)

	mockClient.On("GetTickerPrice", mock.Anything, "BTCUSDT").Return(100.0, nil).Once()

	monitor := NewMonitor(zap.NewNop(), exec.cfg, exec, db)
	assert.NoError(t, monitor.tick(context.Background()))

	// Only user-1 has auto TP/SL enabled, so only one price read.
	mockClient.AssertNumberOfCalls(t, "GetTickerPrice", 1)
}
