package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/kobopay/ledger-engine/internal/logger"
	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/kobopay/ledger-engine/internal/repo"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// hookStore wraps the real repository so tests can inject storage failures
// at precise points. Everything not hooked behaves normally.
type hookStore struct {
	*repo.Repository
	updateWalletHook     func(userID string) error
	failCreateInvestment bool
}

func (s *hookStore) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error {
	if s.updateWalletHook != nil {
		if err := s.updateWalletHook(w.UserID); err != nil {
			return err
		}
	}
	return s.Repository.UpdateWallet(ctx, tx, w, oldVersion)
}

func (s *hookStore) CreateInvestment(ctx context.Context, tx *gorm.DB, inv *model.Investment) error {
	if s.failCreateInvestment {
		return fmt.Errorf("investment storage unavailable")
	}
	return s.Repository.CreateInvestment(ctx, tx, inv)
}

func newTestEnv(t *testing.T) (*WalletLedger, *hookStore, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Wallet{},
		&model.LedgerEntry{},
		&model.Investment{},
		&model.IdempotencyRecord{},
		&model.RoundupAccrual{},
		&model.OutboxEvent{},
	))

	// unmatched cache calls fail, which the ledger treats as cache-miss
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)

	store := &hookStore{Repository: repo.NewRepository(db, rdb, &kafka.Writer{}, log)}
	ledger := NewWalletLedger(store, Config{MaxAttempts: 3, BackoffBase: time.Millisecond}, log)
	return ledger, store, context.Background()
}

func mustCreateWallet(t *testing.T, ledger *WalletLedger, ctx context.Context, userID string) {
	_, err := ledger.CreateWallet(ctx, userID)
	assert.NoError(t, err)
}

func walletOf(t *testing.T, store *hookStore, ctx context.Context, userID string) *model.Wallet {
	w, err := store.GetWallet(ctx, store.DB(ctx), userID)
	assert.NoError(t, err)
	return w
}

func entryCount(t *testing.T, store *hookStore, ctx context.Context, userID string, typ model.EntryType) int64 {
	var n int64
	err := store.DB(ctx).Model(&model.LedgerEntry{}).
		Where("user_id = ? AND type = ?", userID, typ).Count(&n).Error
	assert.NoError(t, err)
	return n
}
