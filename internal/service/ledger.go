package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/kobopay/ledger-engine/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store is everything the ledger needs from the data layer.
type Store interface {
	repo.LedgerStore
	repo.IdempotencyStore
}

// Config bounds the optimistic-retry behaviour.
type Config struct {
	MaxAttempts int           // CAS attempts before ConcurrencyExhausted
	BackoffBase time.Duration // first retry delay, doubled per attempt, jittered
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Millisecond
	}
	return c
}

// WalletLedger applies all monetary movements. Every wallet, investment and
// accrual mutation goes through a read-compute-CAS cycle; there are no row
// locks and no unbounded waits.
type WalletLedger struct {
	store Store
	cfg   Config
	log   *zap.SugaredLogger
}

// NewWalletLedger returns WalletLedger.
func NewWalletLedger(store Store, cfg Config, logger *zap.SugaredLogger) *WalletLedger {
	return &WalletLedger{store: store, cfg: cfg.withDefaults(), log: logger}
}

// CreditResult is the terminal outcome of processing one external
// reference. It is what gets cached in the idempotency store, so replays
// return byte-identical answers. Duplicate reports that this call was
// suppressed as a repeat; it is not a failure.
type CreditResult struct {
	EntryID      string            `json:"entry_id"`
	Status       model.EntryStatus `json:"status"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Duplicate    bool              `json:"-"`
}

// CreateWallet provisions the single wallet a user ever gets, at balance 0.
// Credits and debits against an unknown user fail; they never auto-create.
func (l *WalletLedger) CreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID == "" {
		return nil, ErrWalletNotFound
	}
	w := &model.Wallet{UserID: userID}
	if err := l.store.CreateWallet(ctx, l.store.DB(ctx), w); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return nil, ErrWalletExists
		}
		return nil, err
	}
	return w, nil
}

// Credit applies an external deposit. The idempotency record is inserted in
// the same transaction as the entry and the balance CAS, with insert-if-absent
// as the gate: whichever concurrent caller wins the insert applies the
// mutation, every other caller replays the stored outcome.
func (l *WalletLedger) Credit(ctx context.Context, userID string, amount int64, externalRef string) (*CreditResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if externalRef == "" {
		return nil, ErrMissingReference
	}

	// Fast path for retried callers; the conditional insert below still
	// closes the race this read leaves open.
	if rec, err := l.store.GetIdempotencyRecord(ctx, l.store.DB(ctx), externalRef); err == nil {
		return replayResult(rec)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var result *CreditResult
	err := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, userID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}

			result = &CreditResult{
				EntryID:      uuid.NewString(),
				Status:       model.EntryCompleted,
				Amount:       amount,
				BalanceAfter: w.Balance + amount,
			}
			outcome, err := json.Marshal(result)
			if err != nil {
				return err
			}
			inserted, err := l.store.InsertIdempotencyRecord(ctx, tx, &model.IdempotencyRecord{
				ExternalReference: externalRef,
				Outcome:           string(outcome),
			})
			if err != nil {
				return err
			}
			if !inserted {
				return errDuplicateReference
			}

			entry := &model.LedgerEntry{
				ID:                result.EntryID,
				UserID:            userID,
				Type:              model.EntryDeposit,
				Amount:            amount,
				Status:            model.EntryPending,
				BalanceBefore:     w.Balance,
				BalanceAfter:      w.Balance + amount,
				CorrelationID:     result.EntryID,
				ExternalReference: &externalRef,
				Description:       "external deposit",
			}
			if err := l.store.CreateEntry(ctx, tx, entry); err != nil {
				return err
			}
			w.Balance += amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, entry.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			entry.Status = model.EntryCompleted
			return l.emitEntryEvent(ctx, tx, entry)
		})
	})
	if errors.Is(err, errDuplicateReference) {
		rec, gerr := l.store.GetIdempotencyRecord(ctx, l.store.DB(ctx), externalRef)
		if gerr != nil {
			return nil, gerr
		}
		return replayResult(rec)
	}
	if err != nil {
		return nil, err
	}
	l.cacheBalance(ctx, userID, result.BalanceAfter)
	return result, nil
}

// Debit removes funds from a wallet. The balance check happens on the same
// read the CAS is conditioned on, so two racing debits of the full balance
// resolve to one success and one InsufficientFunds.
func (l *WalletLedger) Debit(ctx context.Context, userID string, amount int64, reason string) (*model.LedgerEntry, error) {
	entry, err := l.applyDebit(ctx, userID, amount, model.EntryWithdrawal, reason, uuid.NewString(), model.EntryCompleted)
	if err != nil {
		return nil, err
	}
	l.cacheBalance(ctx, userID, entry.BalanceAfter)
	return entry, nil
}

// applyDebit runs one debit as a single transaction: pending entry, balance
// CAS, then the transition to finalStatus. A pending finalStatus leaves the
// entry open for a saga to complete or reverse later.
func (l *WalletLedger) applyDebit(ctx context.Context, userID string, amount int64, typ model.EntryType, desc, correlationID string, finalStatus model.EntryStatus) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var entry *model.LedgerEntry
	err := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, userID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}
			if w.Balance < amount {
				return ErrInsufficientFunds
			}
			e := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        userID,
				Type:          typ,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance - amount,
				CorrelationID: correlationID,
				Description:   desc,
			}
			if err := l.store.CreateEntry(ctx, tx, e); err != nil {
				return err
			}
			w.Balance -= amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if finalStatus == model.EntryCompleted {
				if err := l.store.TransitionEntry(ctx, tx, e.ID, model.EntryPending, model.EntryCompleted); err != nil {
					return err
				}
				e.Status = model.EntryCompleted
				if err := l.emitEntryEvent(ctx, tx, e); err != nil {
					return err
				}
			}
			entry = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// applyCredit mirrors applyDebit for movements back into a wallet that are
// not gated by an external reference (compensations, accrual releases).
func (l *WalletLedger) applyCredit(ctx context.Context, userID string, amount int64, typ model.EntryType, desc, correlationID string) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, userID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}
			e := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        userID,
				Type:          typ,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance + amount,
				CorrelationID: correlationID,
				Description:   desc,
			}
			if err := l.store.CreateEntry(ctx, tx, e); err != nil {
				return err
			}
			w.Balance += amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, e.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			e.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, e); err != nil {
				return err
			}
			entry = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer moves funds between two wallets as a saga: debit the source
// (transfer_out stays pending), credit the destination and complete both
// sides, and on a failed credit compensate the source. Total funds across
// the pair are unchanged at every observable point except the bounded
// window between the two steps.
func (l *WalletLedger) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, description string) (*model.LedgerEntry, *model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if fromUserID == toUserID {
		return nil, nil, ErrSelfTransfer
	}

	correlationID := uuid.NewString()
	outEntry, err := l.applyDebit(ctx, fromUserID, amount, model.EntryTransferOut, description, correlationID, model.EntryPending)
	if err != nil {
		return nil, nil, err
	}

	var inEntry *model.LedgerEntry
	creditErr := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, toUserID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}
			e := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        toUserID,
				Type:          model.EntryTransferIn,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance + amount,
				CorrelationID: correlationID,
				Description:   description,
			}
			if err := l.store.CreateEntry(ctx, tx, e); err != nil {
				return err
			}
			w.Balance += amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, e.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, outEntry.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			e.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, e); err != nil {
				return err
			}
			outEntry.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, outEntry); err != nil {
				return err
			}
			inEntry = e
			return nil
		})
	})
	if creditErr == nil {
		l.cacheBalance(ctx, fromUserID, outEntry.BalanceAfter)
		l.cacheBalance(ctx, toUserID, inEntry.BalanceAfter)
		return outEntry, inEntry, nil
	}

	if err := l.compensateTransfer(outEntry); err != nil {
		return nil, nil, fmt.Errorf("%w: credit leg: %v", ErrReconciliationRequired, creditErr)
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, creditErr)
}

// compensateTransfer credits the debited amount back to the source and
// marks the original transfer_out entry reversed, paired with a new
// reversal entry. Retries are bounded; if they exhaust, the entry is
// flagged for out-of-band resolution and an operator alarm is raised.
// Runs on a fresh context so a caller cancelling mid-saga cannot strand
// the sender's funds.
func (l *WalletLedger) compensateTransfer(outEntry *model.LedgerEntry) error {
	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		lastErr = l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, outEntry.UserID)
			if err != nil {
				return err
			}
			rev := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        outEntry.UserID,
				Type:          model.EntryReversal,
				Amount:        outEntry.Amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance + outEntry.Amount,
				CorrelationID: outEntry.CorrelationID,
				Description:   "transfer compensation",
			}
			if err := l.store.CreateEntry(ctx, tx, rev); err != nil {
				return err
			}
			w.Balance += outEntry.Amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, rev.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, outEntry.ID, model.EntryPending, model.EntryReversed); err != nil {
				return err
			}
			rev.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, rev); err != nil {
				return err
			}
			outEntry.Status = model.EntryReversed
			return l.emitEntryEvent(ctx, tx, outEntry)
		})
		if lastErr == nil {
			l.cacheBalance(ctx, outEntry.UserID, outEntry.BalanceBefore)
			return nil
		}
		time.Sleep(l.backoff(attempt))
	}

	if err := l.store.FlagEntryForReconciliation(ctx, l.store.DB(ctx), outEntry.ID); err != nil {
		l.log.Errorf("flag entry %s for reconciliation: %v", outEntry.ID, err)
	}
	l.alarmReconciliation(ctx, outEntry, lastErr)
	return lastErr
}

// Invest commits wallet funds into a new investment. The debit and the
// investment row land in one transaction, so a failure anywhere rolls the
// whole unit back.
func (l *WalletLedger) Invest(ctx context.Context, userID string, amount int64, productType string) (*model.Investment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if productType == "" {
		return nil, ErrMissingProductType
	}
	var inv *model.Investment
	err := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			w, err := l.store.GetWallet(ctx, tx, userID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return err
			}
			if w.Balance < amount {
				return ErrInsufficientFunds
			}
			entry := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        userID,
				Type:          model.EntryInvestment,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance - amount,
				CorrelationID: uuid.NewString(),
				Description:   productType,
			}
			if err := l.store.CreateEntry(ctx, tx, entry); err != nil {
				return err
			}
			w.Balance -= amount
			w.TotalInvested += amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			inv = &model.Investment{
				ID:           uuid.NewString(),
				UserID:       userID,
				ProductType:  productType,
				Principal:    amount,
				CurrentValue: amount,
				Status:       model.InvestmentActive,
			}
			if err := l.store.CreateInvestment(ctx, tx, inv); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, entry.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			entry.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, entry); err != nil {
				return err
			}
			l.cacheBalance(ctx, userID, w.Balance)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// WithdrawInvestment moves value out of an investment and back into the
// owning wallet as one atomic unit. At current value zero the investment
// flips to withdrawn.
func (l *WalletLedger) WithdrawInvestment(ctx context.Context, investmentID string, amount int64) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var entry *model.LedgerEntry
	err := l.withRetry(ctx, func() error {
		return l.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
			inv, err := l.store.GetInvestment(ctx, tx, investmentID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrInvestmentNotFound
				}
				return err
			}
			if amount > inv.CurrentValue {
				return ErrExceedsInvestmentValue
			}
			w, err := l.store.GetWallet(ctx, tx, inv.UserID)
			if err != nil {
				return err
			}
			e := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        inv.UserID,
				Type:          model.EntryInvestmentWithdrawal,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance + amount,
				CorrelationID: inv.ID,
				Description:   inv.ProductType,
			}
			if err := l.store.CreateEntry(ctx, tx, e); err != nil {
				return err
			}
			oldVersion := inv.Version
			inv.CurrentValue -= amount
			if inv.CurrentValue == 0 {
				inv.Status = model.InvestmentWithdrawn
			}
			if err := l.store.UpdateInvestment(ctx, tx, inv, oldVersion); err != nil {
				return err
			}
			w.Balance += amount
			w.TotalReturns += amount
			if err := l.store.UpdateWallet(ctx, tx, w, w.Version); err != nil {
				return err
			}
			if err := l.store.TransitionEntry(ctx, tx, e.ID, model.EntryPending, model.EntryCompleted); err != nil {
				return err
			}
			e.Status = model.EntryCompleted
			if err := l.emitEntryEvent(ctx, tx, e); err != nil {
				return err
			}
			l.cacheBalance(ctx, inv.UserID, w.Balance)
			entry = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetBalance returns current wallet balance, read through the cache.
func (l *WalletLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if bal, err := l.store.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	w, err := l.store.GetWallet(ctx, l.store.DB(ctx), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrWalletNotFound
		}
		return 0, err
	}
	l.cacheBalance(ctx, userID, w.Balance)
	return w.Balance, nil
}

// GetHistory fetches recent ledger entries, newest first.
func (l *WalletLedger) GetHistory(ctx context.Context, userID string, limit int, since time.Time) ([]model.LedgerEntry, error) {
	return l.store.ListEntries(ctx, userID, limit, since)
}

// withRetry reruns fn while it loses the version CAS, with jittered
// exponential backoff, honouring caller cancellation between attempts.
func (l *WalletLedger) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < l.cfg.MaxAttempts; attempt++ {
		if err = fn(); !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.backoff(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyExhausted, err)
}

func (l *WalletLedger) backoff(attempt int) time.Duration {
	base := l.cfg.BackoffBase << uint(attempt)
	return base + time.Duration(rand.Int63n(int64(base)))
}

// emitEntryEvent queues the fire-and-forget notification for a completed
// or reversed entry, inside the same transaction as the mutation.
func (l *WalletLedger) emitEntryEvent(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id":  e.UserID,
		"entry_id": e.ID,
		"type":     e.Type,
		"amount":   e.Amount,
		"status":   e.Status,
	})
	if err != nil {
		return err
	}
	evt := &model.OutboxEvent{
		Aggregate:   "LedgerEntry",
		AggregateID: e.UserID,
		EventType:   string(e.Type),
		Payload:     string(payload),
	}
	return l.store.CreateOutboxEvent(ctx, tx, evt)
}

// alarmReconciliation is the operator alert channel for the one state the
// engine cannot self-heal.
func (l *WalletLedger) alarmReconciliation(ctx context.Context, e *model.LedgerEntry, cause error) {
	l.log.Errorf("compensation exhausted for entry %s (user %s, amount %d): %v", e.ID, e.UserID, e.Amount, cause)
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":  e.UserID,
		"entry_id": e.ID,
		"amount":   e.Amount,
		"cause":    cause.Error(),
	})
	evt := &model.OutboxEvent{
		Aggregate:   "LedgerEntry",
		AggregateID: e.UserID,
		EventType:   "reconciliation_required",
		Payload:     string(payload),
	}
	if err := l.store.CreateOutboxEvent(ctx, l.store.DB(ctx), evt); err != nil {
		l.log.Errorf("queue reconciliation alarm for entry %s: %v", e.ID, err)
	}
}

func (l *WalletLedger) cacheBalance(ctx context.Context, userID string, balance int64) {
	if err := l.store.CacheBalance(ctx, userID, balance); err != nil {
		l.log.Warnf("cache balance for %s: %v", userID, err)
	}
}

func replayResult(rec *model.IdempotencyRecord) (*CreditResult, error) {
	var res CreditResult
	if err := json.Unmarshal([]byte(rec.Outcome), &res); err != nil {
		return nil, err
	}
	res.Duplicate = true
	return &res, nil
}
