package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/kobopay/ledger-engine/internal/repo"
	"github.com/stretchr/testify/assert"
)

func TestWalletLedger_FullScenario(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	mustCreateWallet(t, ledger, ctx, "u2")

	// external deposit
	res, err := ledger.Credit(ctx, "u1", 10000, "ext-1")
	assert.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(10000), res.BalanceAfter)

	// peer transfer
	out, in, err := ledger.Transfer(ctx, "u1", "u2", 4000, "rent split")
	assert.NoError(t, err)
	assert.Equal(t, model.EntryCompleted, out.Status)
	assert.Equal(t, model.EntryCompleted, in.Status)
	assert.Equal(t, out.CorrelationID, in.CorrelationID)
	assert.Equal(t, int64(6000), walletOf(t, store, ctx, "u1").Balance)
	assert.Equal(t, int64(4000), walletOf(t, store, ctx, "u2").Balance)

	// invest
	inv, err := ledger.Invest(ctx, "u1", 5000, "money_market")
	assert.NoError(t, err)
	assert.Equal(t, int64(5000), inv.Principal)
	assert.Equal(t, int64(5000), inv.CurrentValue)
	assert.Equal(t, model.InvestmentActive, inv.Status)
	assert.Equal(t, int64(1000), walletOf(t, store, ctx, "u1").Balance)
	assert.Equal(t, int64(5000), walletOf(t, store, ctx, "u1").TotalInvested)

	// withdraw the investment in full
	entry, err := ledger.WithdrawInvestment(ctx, inv.ID, 5000)
	assert.NoError(t, err)
	assert.Equal(t, int64(6000), entry.BalanceAfter)
	assert.Equal(t, int64(6000), walletOf(t, store, ctx, "u1").Balance)

	got, err := store.GetInvestment(ctx, store.DB(ctx), inv.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), got.CurrentValue)
	assert.Equal(t, model.InvestmentWithdrawn, got.Status)

	// conservation: wallets + investment value == external credits
	total := walletOf(t, store, ctx, "u1").Balance +
		walletOf(t, store, ctx, "u2").Balance +
		got.CurrentValue
	assert.Equal(t, int64(10000), total)

	hist, err := ledger.GetHistory(ctx, "u1", 10, time.Now().Add(-time.Hour))
	assert.NoError(t, err)
	assert.Len(t, hist, 4) // deposit, transfer_out, investment, investment_withdrawal
}

func TestCredit_IdempotentByReference(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")

	first, err := ledger.Credit(ctx, "u1", 2500, "ref-42")
	assert.NoError(t, err)
	assert.False(t, first.Duplicate)

	for i := 0; i < 3; i++ {
		repeat, err := ledger.Credit(ctx, "u1", 2500, "ref-42")
		assert.NoError(t, err)
		assert.True(t, repeat.Duplicate)
		assert.Equal(t, first.EntryID, repeat.EntryID)
		assert.Equal(t, first.BalanceAfter, repeat.BalanceAfter)
	}

	assert.Equal(t, int64(2500), walletOf(t, store, ctx, "u1").Balance)
	assert.Equal(t, int64(1), entryCount(t, store, ctx, "u1", model.EntryDeposit))
}

func TestCredit_Validation(t *testing.T) {
	ledger, _, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")

	_, err := ledger.Credit(ctx, "u1", 0, "ref-0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.Credit(ctx, "u1", -5, "ref-0")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.Credit(ctx, "u1", 100, "")
	assert.ErrorIs(t, err, ErrMissingReference)
	_, err = ledger.Credit(ctx, "ghost", 100, "ref-1")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	// a rejected credit must not burn the reference
	res, err := ledger.Credit(ctx, "u1", 100, "ref-1")
	assert.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestDebit_ExactBalanceRace(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 5000, "seed")
	assert.NoError(t, err)

	// two full-balance debits: exactly one wins, the loser re-validates
	// against the committed balance and sees empty
	_, err1 := ledger.Debit(ctx, "u1", 5000, "cashout A")
	_, err2 := ledger.Debit(ctx, "u1", 5000, "cashout B")

	assert.NoError(t, err1)
	assert.ErrorIs(t, err2, ErrInsufficientFunds)
	assert.Equal(t, int64(0), walletOf(t, store, ctx, "u1").Balance)
}

func TestDebit_ConcurrencyExhausted(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 5000, "seed")
	assert.NoError(t, err)

	store.updateWalletHook = func(string) error { return repo.ErrVersionConflict }
	_, err = ledger.Debit(ctx, "u1", 100, "contended")
	assert.ErrorIs(t, err, ErrConcurrencyExhausted)
	store.updateWalletHook = nil

	// every attempt rolled back
	assert.Equal(t, int64(5000), walletOf(t, store, ctx, "u1").Balance)
	assert.Equal(t, int64(0), entryCount(t, store, ctx, "u1", model.EntryWithdrawal))
}

func TestTransfer_Validation(t *testing.T) {
	ledger, _, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")

	_, _, err := ledger.Transfer(ctx, "u1", "u1", 100, "self")
	assert.ErrorIs(t, err, ErrSelfTransfer)
	_, _, err = ledger.Transfer(ctx, "u1", "u2", 0, "zero")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = ledger.Transfer(ctx, "u1", "u2", 100, "broke")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestTransfer_CompensatesWhenCreditFails(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 8000, "seed")
	assert.NoError(t, err)

	// destination wallet does not exist; the debit must be compensated
	_, _, err = ledger.Transfer(ctx, "u1", "ghost", 3000, "to nowhere")
	assert.ErrorIs(t, err, ErrTransferFailed)

	assert.Equal(t, int64(8000), walletOf(t, store, ctx, "u1").Balance)

	var outEntry model.LedgerEntry
	assert.NoError(t, store.DB(ctx).
		Where("user_id = ? AND type = ?", "u1", model.EntryTransferOut).
		First(&outEntry).Error)
	assert.Equal(t, model.EntryReversed, outEntry.Status)
	assert.False(t, outEntry.ReconciliationRequired)

	var reversal model.LedgerEntry
	assert.NoError(t, store.DB(ctx).
		Where("user_id = ? AND type = ?", "u1", model.EntryReversal).
		First(&reversal).Error)
	assert.Equal(t, model.EntryCompleted, reversal.Status)
	assert.Equal(t, outEntry.CorrelationID, reversal.CorrelationID)
}

func TestTransfer_ReconciliationRequiredWhenCompensationFails(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 8000, "seed")
	assert.NoError(t, err)

	// allow the initial debit through, then fail every wallet write so the
	// compensating credit can never land
	calls := 0
	store.updateWalletHook = func(userID string) error {
		if userID != "u1" {
			return nil
		}
		calls++
		if calls > 1 {
			return fmt.Errorf("storage down")
		}
		return nil
	}
	_, _, err = ledger.Transfer(ctx, "u1", "ghost", 3000, "doomed")
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	store.updateWalletHook = nil

	// the invariant is visibly broken, flagged and alarmed, never silent
	var outEntry model.LedgerEntry
	assert.NoError(t, store.DB(ctx).
		Where("user_id = ? AND type = ?", "u1", model.EntryTransferOut).
		First(&outEntry).Error)
	assert.Equal(t, model.EntryPending, outEntry.Status)
	assert.True(t, outEntry.ReconciliationRequired)

	var alarms int64
	assert.NoError(t, store.DB(ctx).Model(&model.OutboxEvent{}).
		Where("event_type = ?", "reconciliation_required").Count(&alarms).Error)
	assert.Equal(t, int64(1), alarms)
}

func TestWithdrawInvestment_Bounds(t *testing.T) {
	ledger, store, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 10000, "seed")
	assert.NoError(t, err)

	inv, err := ledger.Invest(ctx, "u1", 6000, "treasury_bills")
	assert.NoError(t, err)

	_, err = ledger.WithdrawInvestment(ctx, inv.ID, 6001)
	assert.ErrorIs(t, err, ErrExceedsInvestmentValue)
	_, err = ledger.WithdrawInvestment(ctx, inv.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.WithdrawInvestment(ctx, "missing", 100)
	assert.ErrorIs(t, err, ErrInvestmentNotFound)

	// partial withdrawal keeps the investment active
	_, err = ledger.WithdrawInvestment(ctx, inv.ID, 2500)
	assert.NoError(t, err)
	got, err := store.GetInvestment(ctx, store.DB(ctx), inv.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3500), got.CurrentValue)
	assert.Equal(t, model.InvestmentActive, got.Status)
	assert.Equal(t, int64(6500), walletOf(t, store, ctx, "u1").Balance)
	assert.Equal(t, int64(2500), walletOf(t, store, ctx, "u1").TotalReturns)
}

func TestCreateWallet_Duplicate(t *testing.T) {
	ledger, _, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.CreateWallet(ctx, "u1")
	assert.ErrorIs(t, err, ErrWalletExists)
}

func TestGetBalance_FallsBackToStore(t *testing.T) {
	ledger, _, ctx := newTestEnv(t)
	mustCreateWallet(t, ledger, ctx, "u1")
	_, err := ledger.Credit(ctx, "u1", 700, "seed")
	assert.NoError(t, err)

	bal, err := ledger.GetBalance(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, int64(700), bal)

	_, err = ledger.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}
