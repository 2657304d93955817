package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

// WithTransaction executes fn against a store view bound to a single
// database transaction, retrying the whole batch on transient failures.
// The change notification fires at most once, after a commit that actually
// mutated something; a rollback is never observable downstream.
func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(store Store) error) error {
	if s.inTx {
		// Nested transactions collapse into the enclosing one
		return fn(s)
	}

	start := time.Now()
	var mutated bool

	err := storeerrors.WithRetry(ctx, s.retryConfig, func() error {
		mutated = false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			storeErr := storeerrors.NewStoreError("WithTransaction.Begin", err, s.classifyError(err))
			if storeErr.IsRetryable() {
				s.logger.Debug("Retryable error beginning transaction", "error", err)
			} else {
				logging.LogStoreError(s.logger, storeErr, "WithTransaction.Begin", nil)
			}
			return storeErr
		}

		var originalErr error
		var committed bool
		defer func() {
			if !committed && tx != nil {
				if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.Debug("Failed to rollback transaction",
						"rollback_error", rollbackErr,
						"original_error", originalErr)
				}
			}
		}()

		txStore := &SQLiteStore{
			db:          s.db,
			q:           tx,
			dbService:   s.dbService,
			retryConfig: s.retryConfig,
			logger:      s.logger,
			notifier:    s.notifier,
			inTx:        true,
			txMutated:   &mutated,
		}

		if err := fn(txStore); err != nil {
			// fn is expected to return classified store errors; don't re-wrap
			originalErr = err
			s.logger.Debug("Transaction function failed", "error", err)
			return err
		}

		if err := tx.Commit(); err != nil {
			originalErr = err
			storeErr := storeerrors.NewStoreError("WithTransaction.Commit", err, s.classifyError(err))
			if storeErr.IsRetryable() {
				s.logger.Debug("Retryable error committing transaction", "error", err)
			} else {
				logging.LogStoreError(s.logger, storeErr, "WithTransaction.Commit", nil)
			}
			return storeErr
		}
		committed = true

		return nil
	})

	if err == nil {
		logging.LogStoreOperation(s.logger, "WithTransaction", time.Since(start), nil)
		if mutated {
			s.notifier.broadcast()
		}
	}

	return err
}
