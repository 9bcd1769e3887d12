package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kobopay/ledger-engine/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SettlementOutcome string

const (
	SettlementSuccess SettlementOutcome = "success"
	SettlementFailure SettlementOutcome = "failure"
)

// SettlementEvent is an already-resolved gateway result. The reference is
// the sole deduplication key; amounts are never matched on their own.
type SettlementEvent struct {
	Reference string
	UserID    string
	Amount    int64
	Outcome   SettlementOutcome
}

// ReconciliationHandler drives gateway settlement callbacks through the
// ledger. Retried webhooks, duplicate deliveries and client re-verification
// calls all resolve to the outcome stored for the reference the first time.
type ReconciliationHandler struct {
	ledger *WalletLedger
	store  Store
	log    *zap.SugaredLogger
}

// NewReconciliationHandler returns ReconciliationHandler.
func NewReconciliationHandler(ledger *WalletLedger, store Store, logger *zap.SugaredLogger) *ReconciliationHandler {
	return &ReconciliationHandler{ledger: ledger, store: store, log: logger}
}

// OnExternalSettlement is the single entry point for gateway webhooks and
// polling results.
func (h *ReconciliationHandler) OnExternalSettlement(ctx context.Context, ev SettlementEvent) (*CreditResult, error) {
	if ev.Reference == "" {
		return nil, ErrMissingReference
	}
	if rec, err := h.store.GetIdempotencyRecord(ctx, h.store.DB(ctx), ev.Reference); err == nil {
		return replayResult(rec)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	switch ev.Outcome {
	case SettlementSuccess:
		return h.ledger.Credit(ctx, ev.UserID, ev.Amount, ev.Reference)
	case SettlementFailure:
		return h.recordFailure(ctx, ev)
	default:
		return nil, ErrUnknownOutcome
	}
}

// recordFailure makes the failed outcome terminal for the reference without
// touching any wallet. The conditional insert decides the race against a
// concurrent delivery of the same reference.
func (h *ReconciliationHandler) recordFailure(ctx context.Context, ev SettlementEvent) (*CreditResult, error) {
	result := &CreditResult{Status: model.EntryFailed, Amount: ev.Amount}
	outcome, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	inserted, err := h.store.InsertIdempotencyRecord(ctx, h.store.DB(ctx), &model.IdempotencyRecord{
		ExternalReference: ev.Reference,
		Outcome:           string(outcome),
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		rec, err := h.store.GetIdempotencyRecord(ctx, h.store.DB(ctx), ev.Reference)
		if err != nil {
			return nil, err
		}
		return replayResult(rec)
	}
	h.log.Infof("settlement %s failed at gateway, no credit applied", ev.Reference)
	return result, nil
}
