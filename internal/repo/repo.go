package repo

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict is returned when a conditional write loses the
// optimistic-concurrency race and the caller should re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrIllegalTransition is returned when an entry status update does not
// match the expected current status.
var ErrIllegalTransition = errors.New("illegal entry status transition")

// ErrAlreadyExists is returned when a keyed insert finds the key taken.
var ErrAlreadyExists = errors.New("record already exists")

// LedgerStore is the capability set the ledger needs from durable storage:
// get-with-version reads and conditional (compare-and-swap) writes. Any
// backend offering atomic per-key CAS can implement it.
type LedgerStore interface {
	DB(ctx context.Context) *gorm.DB

	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error

	CreateEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error
	GetEntry(ctx context.Context, tx *gorm.DB, id string) (*model.LedgerEntry, error)
	TransitionEntry(ctx context.Context, tx *gorm.DB, id string, from, to model.EntryStatus) error
	FlagEntryForReconciliation(ctx context.Context, tx *gorm.DB, id string) error
	ListEntries(ctx context.Context, userID string, limit int, since time.Time) ([]model.LedgerEntry, error)

	CreateInvestment(ctx context.Context, tx *gorm.DB, inv *model.Investment) error
	GetInvestment(ctx context.Context, tx *gorm.DB, id string) (*model.Investment, error)
	UpdateInvestment(ctx context.Context, tx *gorm.DB, inv *model.Investment, oldVersion uint64) error

	GetAccrual(ctx context.Context, tx *gorm.DB, userID string) (*model.RoundupAccrual, error)
	CreateAccrual(ctx context.Context, tx *gorm.DB, a *model.RoundupAccrual) error
	UpdateAccrual(ctx context.Context, tx *gorm.DB, a *model.RoundupAccrual, oldVersion uint64) error

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, userID string, balance int64) error
	GetCachedBalance(ctx context.Context, userID string) (int64, error)
}

// IdempotencyStore deduplicates external references. The insert is
// conditional (insert-if-absent); its success is the gate that decides
// whether a mutation proceeds, so duplicate callbacks are race-free.
type IdempotencyStore interface {
	InsertIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, tx *gorm.DB, ref string) (*model.IdempotencyRecord, error)
}

// Repository implements LedgerStore and IdempotencyStore on top of
// postgres (gorm), with redis as a best-effort balance cache and kafka as
// the notification transport.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateWallet inserts a zero-balance wallet; exactly one per user.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(w)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetWallet reads the wallet with its current version. No row lock is
// taken; writers rely on UpdateWallet's version check instead.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWallet writes the new balances conditionally on the version read
// earlier being unchanged.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("user_id = ? AND version = ?", w.UserID, oldVersion).
		Updates(map[string]interface{}{
			"balance":        w.Balance,
			"total_invested": w.TotalInvested,
			"total_returns":  w.TotalReturns,
			"version":        oldVersion + 1,
			"last_updated":   time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CreateEntry appends a ledger entry.
func (r *Repository) CreateEntry(ctx context.Context, tx *gorm.DB, e *model.LedgerEntry) error {
	return tx.WithContext(ctx).Create(e).Error
}

// GetEntry fetches one entry by id.
func (r *Repository) GetEntry(ctx context.Context, tx *gorm.DB, id string) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// TransitionEntry moves an entry between statuses conditionally on its
// current status, enforcing the entry state machine at the storage layer.
func (r *Repository) TransitionEntry(ctx context.Context, tx *gorm.DB, id string, from, to model.EntryStatus) error {
	updates := map[string]interface{}{"status": to}
	if to == model.EntryCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}
	res := tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// FlagEntryForReconciliation marks a stuck entry for out-of-band operator
// resolution. The entry stays pending.
func (r *Repository) FlagEntryForReconciliation(ctx context.Context, tx *gorm.DB, id string) error {
	return tx.WithContext(ctx).
		Model(&model.LedgerEntry{}).
		Where("id = ?", id).
		Update("reconciliation_required", true).Error
}

// ListEntries returns a user's entries, newest first.
func (r *Repository) ListEntries(ctx context.Context, userID string, limit int, since time.Time) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CreateInvestment inserts record.
func (r *Repository) CreateInvestment(ctx context.Context, tx *gorm.DB, inv *model.Investment) error {
	return tx.WithContext(ctx).Create(inv).Error
}

// GetInvestment fetches one investment by id.
func (r *Repository) GetInvestment(ctx context.Context, tx *gorm.DB, id string) (*model.Investment, error) {
	var inv model.Investment
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// UpdateInvestment writes current value and status with the same CAS
// discipline as wallets.
func (r *Repository) UpdateInvestment(ctx context.Context, tx *gorm.DB, inv *model.Investment, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Investment{}).
		Where("id = ? AND version = ?", inv.ID, oldVersion).
		Updates(map[string]interface{}{
			"current_value": inv.CurrentValue,
			"status":        inv.Status,
			"version":       oldVersion + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetAccrual reads the round-up counter for a user.
func (r *Repository) GetAccrual(ctx context.Context, tx *gorm.DB, userID string) (*model.RoundupAccrual, error) {
	var a model.RoundupAccrual
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccrual inserts the counter row; a lost insert race surfaces as
// ErrVersionConflict so callers re-read and CAS instead.
func (r *Repository) CreateAccrual(ctx context.Context, tx *gorm.DB, a *model.RoundupAccrual) error {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateAccrual CAS-writes the running total.
func (r *Repository) UpdateAccrual(ctx context.Context, tx *gorm.DB, a *model.RoundupAccrual, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.RoundupAccrual{}).
		Where("user_id = ? AND version = ?", a.UserID, oldVersion).
		Updates(map[string]interface{}{
			"accrued":    a.Accrued,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// InsertIdempotencyRecord is the atomic insert-if-absent gate. It reports
// whether this caller won the insert; losers must read the stored record
// and return its cached outcome without mutating anything.
func (r *Repository) InsertIdempotencyRecord(ctx context.Context, tx *gorm.DB, rec *model.IdempotencyRecord) (bool, error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetIdempotencyRecord looks up a reference; gorm.ErrRecordNotFound when
// the reference has never been processed.
func (r *Repository) GetIdempotencyRecord(ctx context.Context, tx *gorm.DB, ref string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	if err := tx.WithContext(ctx).Where("external_reference = ?", ref).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
