package models

import (
	"time"

	"gorm.io/gorm"
)

// Order sides and kinds as sent to the exchange.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	KindMarket     = "MARKET"
	KindLimit      = "LIMIT"
	KindStopMarket = "STOP_MARKET"
)

// Order roles. A primary order is one submitted on behalf of a user;
// take_profit and stop_loss rows record the protective legs placed for a
// filled primary; a close row records the market order that exited a
// position when a protective level was crossed.
const (
	RolePrimary    = "primary"
	RoleTakeProfit = "take_profit"
	RoleStopLoss   = "stop_loss"
	RoleClose      = "close"
)

// Service-owned lifecycle statuses, in addition to the lower-cased
// exchange statuses (new, partially_filled, filled, canceled, rejected).
const (
	StatusFilled      = "filled"
	StatusClosing     = "closing"
	StatusClosed      = "closed"
	StatusCloseFailed = "close_failed"
)

// Order represents one submitted exchange order in the ledger. Price
// is nil for market orders; the exchange decides the fill price.
type Order struct {
	gorm.Model
	UserID          string     `gorm:"index;not null" json:"user_id"`
	BotID           *string    `gorm:"index" json:"bot_id,omitempty"`
	Symbol          string     `gorm:"not null" json:"symbol"`
	Side            string     `gorm:"not null" json:"side"`
	Kind            string     `gorm:"not null" json:"kind"`
	Quantity        float64    `json:"quantity"`
	Price           *float64   `json:"price,omitempty"`
	FilledQuantity  float64    `json:"filled_quantity"`
	AvgFillPrice    float64    `json:"avg_fill_price"`
	Status          string     `gorm:"index" json:"status"`
	ExchangeOrderID int64      `json:"exchange_order_id"`
	TimeInForce     string     `json:"time_in_force,omitempty"`
	Commission      float64    `json:"commission"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`

	// Protective levels are both set or both nil, never one without
	// the other. AutoTPSLEnabled is copied from the user's settings at
	// submission time and never updated retroactively.
	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`
	AutoTPSLEnabled bool     `gorm:"column:auto_tp_sl_enabled" json:"auto_tp_sl_enabled"`

	Role          string `gorm:"index;default:primary" json:"role"`
	ParentOrderID *uint  `gorm:"index" json:"parent_order_id,omitempty"`
	CloseAttempts int    `json:"close_attempts"`
}

// OppositeSide returns the side that closes or protects a position
// opened on the given side.
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
