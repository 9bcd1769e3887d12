package model

import "time"

// EntryType identifies the movement a ledger entry records. Amounts are
// always positive; the sign is implied by the type.
type EntryType string

const (
	EntryDeposit              EntryType = "deposit"
	EntryWithdrawal           EntryType = "withdrawal"
	EntryTransferOut          EntryType = "transfer_out"
	EntryTransferIn           EntryType = "transfer_in"
	EntryInvestment           EntryType = "investment"
	EntryInvestmentWithdrawal EntryType = "investment_withdrawal"
	EntryBillPayment          EntryType = "bill_payment"
	EntryReversal             EntryType = "reversal"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryReversed  EntryStatus = "reversed"
)

// LedgerEntry is an append-only record of one monetary movement affecting
// exactly one wallet. Completed entries are immutable; the only transition
// out of completed is to reversed, and only as part of a compensation.
type LedgerEntry struct {
	ID                     string      `gorm:"primaryKey;size:36"`
	UserID                 string      `gorm:"size:64;not null;index:idx_entry_user_created,priority:1"`
	Type                   EntryType   `gorm:"size:32;not null"`
	Amount                 int64       `gorm:"not null"`
	Status                 EntryStatus `gorm:"size:16;not null"`
	BalanceBefore          int64       `gorm:"not null"`
	BalanceAfter           int64       `gorm:"not null"`
	CorrelationID          string      `gorm:"size:36;index"`
	ExternalReference      *string     `gorm:"size:128;uniqueIndex"`
	Description            string      `gorm:"size:255"`
	ReconciliationRequired bool        `gorm:"not null;default:false"`
	CreatedAt              time.Time   `gorm:"autoCreateTime;index:idx_entry_user_created,priority:2,sort:desc"`
	CompletedAt            *time.Time
}

func (LedgerEntry) TableName() string { return "ledger_entry" }
