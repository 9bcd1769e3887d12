package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kobopay/ledger-engine/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RoundupSettings is the per-user sweep policy supplied by the caller.
type RoundupSettings struct {
	Unit                int64
	AutoInvestThreshold int64
	ProductType         string
}

// RoundupResult reports what one purchase triggered.
type RoundupResult struct {
	RoundupAmount int64
	AutoInvested  bool
	Investment    *model.Investment
}

var roundupUnits = map[int64]struct{}{50: {}, 100: {}, 500: {}}

// ComputeRoundup returns the gap between a purchase amount and the next
// multiple of unit, in kobo. Zero when the purchase is already a multiple.
func ComputeRoundup(purchaseAmount, unit int64) (int64, error) {
	if _, ok := roundupUnits[unit]; !ok {
		return 0, ErrInvalidRoundupUnit
	}
	if purchaseAmount <= 0 {
		return 0, ErrInvalidAmount
	}
	rem := purchaseAmount % unit
	if rem == 0 {
		return 0, nil
	}
	return unit - rem, nil
}

// RoundupAccumulator sweeps purchase round-ups into a per-user accrual
// counter and auto-invests once the counter crosses the caller's threshold.
// The counter is mutated under the same version-CAS discipline as wallets.
type RoundupAccumulator struct {
	ledger *WalletLedger
	store  Store
	log    *zap.SugaredLogger
}

// NewRoundupAccumulator returns RoundupAccumulator.
func NewRoundupAccumulator(ledger *WalletLedger, store Store, logger *zap.SugaredLogger) *RoundupAccumulator {
	return &RoundupAccumulator{ledger: ledger, store: store, log: logger}
}

// Accrue debits the round-up for one purchase, adds it to the running
// accrual, and sweeps the accrual into an investment when the threshold is
// crossed. A failure after the debit never strands the funds: they end up
// in the accrual, in the investment, or credited back to the wallet.
func (a *RoundupAccumulator) Accrue(ctx context.Context, userID string, purchaseAmount int64, settings RoundupSettings) (*RoundupResult, error) {
	roundup, err := ComputeRoundup(purchaseAmount, settings.Unit)
	if err != nil {
		return nil, err
	}
	if roundup == 0 {
		return &RoundupResult{}, nil
	}

	debit, err := a.ledger.applyDebit(ctx, userID, roundup, model.EntryWithdrawal, "roundup", uuid.NewString(), model.EntryCompleted)
	if err != nil {
		return nil, err
	}

	if err := a.addToAccrual(ctx, userID, roundup); err != nil {
		// The sweep debit already landed; put the money back.
		if _, cerr := a.ledger.applyCredit(ctx, userID, roundup, model.EntryReversal, "roundup accrual failed", debit.CorrelationID); cerr != nil {
			a.ledger.alarmReconciliation(ctx, debit, cerr)
			return nil, fmt.Errorf("%w: accrual update: %v", ErrReconciliationRequired, err)
		}
		return nil, err
	}

	result := &RoundupResult{RoundupAmount: roundup}
	inv, err := a.sweep(ctx, userID, settings)
	if err != nil {
		return nil, err
	}
	if inv != nil {
		result.AutoInvested = true
		result.Investment = inv
	}
	return result, nil
}

// addToAccrual CAS-increments the counter, creating it on first use. A
// lost create race comes back as a version conflict and retries into the
// update path.
func (a *RoundupAccumulator) addToAccrual(ctx context.Context, userID string, amount int64) error {
	return a.ledger.withRetry(ctx, func() error {
		db := a.store.DB(ctx)
		acc, err := a.store.GetAccrual(ctx, db, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return a.store.CreateAccrual(ctx, db, &model.RoundupAccrual{UserID: userID, Accrued: amount})
		}
		if err != nil {
			return err
		}
		acc.Accrued += amount
		return a.store.UpdateAccrual(ctx, db, acc, acc.Version)
	})
}

// sweep zeroes the accrual and invests the balance if it crossed the
// threshold. The CAS on the counter guarantees at most one of several
// concurrent accruers performs the sweep. If the invest step fails after
// the counter was zeroed, the funds fall back to a wallet credit.
func (a *RoundupAccumulator) sweep(ctx context.Context, userID string, settings RoundupSettings) (*model.Investment, error) {
	var amount int64
	err := a.ledger.withRetry(ctx, func() error {
		db := a.store.DB(ctx)
		acc, err := a.store.GetAccrual(ctx, db, userID)
		if err != nil {
			return err
		}
		if acc.Accrued < settings.AutoInvestThreshold {
			amount = 0
			return nil
		}
		amount = acc.Accrued
		zeroed := &model.RoundupAccrual{UserID: userID, Accrued: 0}
		return a.store.UpdateAccrual(ctx, db, zeroed, acc.Version)
	})
	if err != nil || amount == 0 {
		return nil, err
	}

	inv, err := a.ledger.investAccrued(ctx, userID, amount, settings.ProductType)
	if err != nil {
		if _, cerr := a.ledger.applyCredit(ctx, userID, amount, model.EntryReversal, "roundup auto-invest failed", uuid.NewString()); cerr != nil {
			a.log.Errorf("roundup sweep for %s could not restore %d kobo: %v", userID, amount, cerr)
			return nil, fmt.Errorf("%w: auto-invest: %v", ErrReconciliationRequired, err)
		}
		return nil, fmt.Errorf("auto-invest %d kobo for %s: %w", amount, userID, err)
	}
	return inv, nil
}

// investAccrued converts already-debited accrual funds into an investment.
// The wallet balance is untouched; only the invested total moves.
func (l *WalletLedger) investAccrued(ctx context.Context, userID string, amount int64, productType string) (*model.Investment, error) {
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
			entry := &model.LedgerEntry{
				ID:            uuid.NewString(),
				UserID:        userID,
				Type:          model.EntryInvestment,
				Amount:        amount,
				Status:        model.EntryPending,
				BalanceBefore: w.Balance,
				BalanceAfter:  w.Balance,
				CorrelationID: uuid.NewString(),
				Description:   productType + " (roundup)",
			}
			if err := l.store.CreateEntry(ctx, tx, entry); err != nil {
				return err
			}
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
			return l.emitEntryEvent(ctx, tx, entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}
