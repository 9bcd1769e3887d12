package model

import "time"

type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "active"
	InvestmentWithdrawn InvestmentStatus = "withdrawn"
)

// Investment tracks principal committed from a wallet. CurrentValue only
// decreases through withdrawals; at zero the status flips to withdrawn.
type Investment struct {
	ID           string           `gorm:"primaryKey;size:36"`
	UserID       string           `gorm:"size:64;not null;index"`
	ProductType  string           `gorm:"size:64;not null"`
	Principal    int64            `gorm:"not null"`
	CurrentValue int64            `gorm:"not null"`
	Status       InvestmentStatus `gorm:"size:16;not null"`
	Version      uint64           `gorm:"not null;default:0"`
	CreatedAt    time.Time        `gorm:"autoCreateTime"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime"`
}

func (Investment) TableName() string { return "investment" }
