package repo

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/kobopay/ledger-engine/internal/logger"
	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
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

	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)
	return NewRepository(db, rdb, &kafka.Writer{}, log), db
}

func TestUpdateWallet_StaleVersionLoses(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	assert.NoError(t, r.CreateWallet(ctx, db, &model.Wallet{UserID: "u1", Balance: 100}))

	// two readers observe the same version
	first, err := r.GetWallet(ctx, db, "u1")
	assert.NoError(t, err)
	second, err := r.GetWallet(ctx, db, "u1")
	assert.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	first.Balance += 10
	assert.NoError(t, r.UpdateWallet(ctx, db, first, first.Version))

	// the second write is conditioned on the version the first one bumped
	second.Balance += 10
	err = r.UpdateWallet(ctx, db, second, second.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	final, err := r.GetWallet(ctx, db, "u1")
	assert.NoError(t, err)
	assert.Equal(t, int64(110), final.Balance)
	assert.Equal(t, uint64(1), final.Version)
}

func TestCreateWallet_OnePerUser(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	assert.NoError(t, r.CreateWallet(ctx, db, &model.Wallet{UserID: "u1"}))
	err := r.CreateWallet(ctx, db, &model.Wallet{UserID: "u1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestInsertIdempotencyRecord_InsertIfAbsent(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	inserted, err := r.InsertIdempotencyRecord(ctx, db, &model.IdempotencyRecord{
		ExternalReference: "ref-1", Outcome: `{"status":"completed"}`,
	})
	assert.NoError(t, err)
	assert.True(t, inserted)

	// the loser of the race observes the stored record, never overwrites it
	inserted, err = r.InsertIdempotencyRecord(ctx, db, &model.IdempotencyRecord{
		ExternalReference: "ref-1", Outcome: `{"status":"failed"}`,
	})
	assert.NoError(t, err)
	assert.False(t, inserted)

	rec, err := r.GetIdempotencyRecord(ctx, db, "ref-1")
	assert.NoError(t, err)
	assert.Equal(t, `{"status":"completed"}`, rec.Outcome)
}

func TestTransitionEntry_EnforcesStateMachine(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	e := &model.LedgerEntry{
		ID: "e1", UserID: "u1", Type: model.EntryDeposit, Amount: 100,
		Status: model.EntryPending, CorrelationID: "c1",
	}
	assert.NoError(t, r.CreateEntry(ctx, db, e))

	assert.NoError(t, r.TransitionEntry(ctx, db, e.ID, model.EntryPending, model.EntryCompleted))

	// completed entries are immutable except for the reversal path
	err := r.TransitionEntry(ctx, db, e.ID, model.EntryPending, model.EntryFailed)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	assert.NoError(t, r.TransitionEntry(ctx, db, e.ID, model.EntryCompleted, model.EntryReversed))

	got, err := r.GetEntry(ctx, db, e.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.EntryReversed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}
