package models

import "gorm.io/gorm"

// UserSettings holds a user's trading limits, protection defaults and
// exchange credentials. One row per user, written by the settings UI;
// the execution core only ever reads it.
type UserSettings struct {
	gorm.Model
	UserID            string  `gorm:"uniqueIndex;not null" json:"user_id"`
	AutoTrading       bool    `json:"auto_trading_enabled"`
	AutoTPSL          bool    `gorm:"column:auto_tp_sl" json:"auto_tp_sl_enabled"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	MaxDailyTrades    int64   `json:"max_daily_trades"`
	MaxPositionSize   float64 `json:"max_position_size"`
	APIKey            string  `json:"-"`
	SecretKey         string  `json:"-"`
}

// HasCredentials reports whether both exchange credentials are present.
func (s *UserSettings) HasCredentials() bool {
	return s.APIKey != "" && s.SecretKey != ""
}
