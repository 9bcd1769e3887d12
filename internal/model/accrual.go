package model

import "time"

// RoundupAccrual is the per-user running total of swept round-ups, mutated
// under the same version-CAS discipline as Wallet.
type RoundupAccrual struct {
	UserID    string    `gorm:"primaryKey;size:64;column:user_id"`
	Accrued   int64     `gorm:"not null;default:0"`
	Version   uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (RoundupAccrual) TableName() string { return "roundup_accrual" }
