package models

import "time"

// MarketEvent is a labeled external event (debate, ruling, announcement) for a market.
type MarketEvent struct {
	ID        string    `gorm:"primaryKey;type:text"`
	MarketID  string    `gorm:"type:text;not null;index"`
	Label     string    `gorm:"type:text;not null"`
	Kind      string    `gorm:"type:varchar(50)"`
	At        time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (MarketEvent) TableName() string {
	return "market_events"
}
