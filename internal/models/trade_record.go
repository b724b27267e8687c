package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TradeRecord is a fill written by the ingestion collaborator. Rows are never updated.
type TradeRecord struct {
	ID          string          `gorm:"primaryKey;type:text"`
	Wallet      string          `gorm:"type:text;not null;index:idx_trade_wallet_ts,priority:1"`
	MarketID    string          `gorm:"type:text;not null;index:idx_trade_market_ts,priority:1"`
	Side        string          `gorm:"type:varchar(8);not null"`
	Outcome     string          `gorm:"type:text;not null"`
	Price       decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Size        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	NotionalUSD decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Timestamp   time.Time       `gorm:"type:timestamptz;not null;index;index:idx_trade_wallet_ts,priority:2;index:idx_trade_market_ts,priority:2"`
	// Market is the market snapshot captured with the fill.
	Market    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"type:timestamptz;autoCreateTime"`
}

func (TradeRecord) TableName() string {
	return "trade_records"
}
