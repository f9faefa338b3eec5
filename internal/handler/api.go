package handler

import (
	"github.com/habitlog/internal/logger"
	"github.com/habitlog/internal/service"
	"gorm.io/gorm"
)

// API bundles shared dependencies for HTTP handlers.
type API struct {
	db         *gorm.DB
	log        *logger.Logger
	ledger     *service.IdempotencyLedger
	dispatcher *service.Dispatcher
	verifier   *service.ConsistencyVerifier
	backfill   *service.BackfillReconciler
	weeks      *service.WeekService
}

// Options tunes the engine behind the handlers.
type Options struct {
	Notifier service.AlertNotifier
	Verifier service.VerifierOptions
	Backfill service.BackfillOptions
}

// NewAPI constructs a handler set with shared services.
func NewAPI(db *gorm.DB, log *logger.Logger, opts Options) *API {
	if log == nil {
		log = logger.NewNop()
	}
	ledger := service.NewIdempotencyLedger(db, log)
	executor := service.NewDualWriteExecutor(db, log)
	verifier := service.NewConsistencyVerifier(db, log, opts.Notifier, opts.Verifier)

	return &API{
		db:         db,
		log:        log.With("component", "http"),
		ledger:     ledger,
		dispatcher: service.NewDispatcher(ledger, executor, verifier, log),
		verifier:   verifier,
		backfill:   service.NewBackfillReconciler(db, log, opts.Backfill),
		weeks:      service.NewWeekService(db),
	}
}

// Verifier exposes the consistency verifier for the background scheduler.
func (a *API) Verifier() *service.ConsistencyVerifier {
	return a.verifier
}
