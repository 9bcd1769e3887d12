package model

import "time"

// IdempotencyRecord maps an external reference (gateway or client supplied)
// to the outcome returned the first time it was processed. A reference is
// written at most once; repeats observe the stored outcome.
type IdempotencyRecord struct {
	ExternalReference string    `gorm:"primaryKey;size:128;column:external_reference"`
	Outcome           string    `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_record" }
