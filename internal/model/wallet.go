package model

import "time"

// Wallet holds a user's spendable balance in kobo (minor currency units).
// Amounts are integers end to end; the HTTP boundary converts decimal naira.
type Wallet struct {
	UserID        string    `gorm:"primaryKey;size:64;column:user_id"`
	Balance       int64     `gorm:"not null;default:0"`
	TotalInvested int64     `gorm:"not null;default:0"`
	TotalReturns  int64     `gorm:"not null;default:0"`
	Version       uint64    `gorm:"not null;default:0"`
	LastUpdated   time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
