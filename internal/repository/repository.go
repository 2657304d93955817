package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/lapsed/lapsed/internal/database"
	storeerrors "github.com/lapsed/lapsed/internal/infrastructure/errors"
	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

// dbtx is the subset of *sql.DB / *sql.Tx the queries need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// changeNotifier broadcasts "something was recorded/merged/dropped" to
// downstream readers after mutations commit.
type changeNotifier struct {
	mu  sync.RWMutex
	fns []func()
}

func (n *changeNotifier) subscribe(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *changeNotifier) broadcast() {
	n.mu.RLock()
	fns := make([]func(), len(n.fns))
	copy(fns, n.fns)
	n.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// SQLiteStore implements the Store interface over a SQLite database.
// Instances created by WithTransaction share the notifier and defer the
// broadcast until the transaction commits.
type SQLiteStore struct {
	db          *sql.DB
	q           dbtx // db outside transactions, tx inside
	dbService   database.Service
	retryConfig *storeerrors.RetryConfig
	logger      logging.Logger
	notifier    *changeNotifier
	inTx        bool
	txMutated   *bool // set when a tx-bound store mutates anything
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store backed by the given database service.
func NewSQLiteStore(dbService database.Service, logger logging.Logger) *SQLiteStore {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	db := dbService.DB()
	return &SQLiteStore{
		db:          db,
		q:           db,
		dbService:   dbService,
		retryConfig: storeerrors.DefaultRetryConfig(),
		logger:      logger,
		notifier:    &changeNotifier{},
	}
}

// NewSQLiteStoreWithConfig creates a store with custom retry settings.
func NewSQLiteStoreWithConfig(dbService database.Service, retryConfig *storeerrors.RetryConfig, logger logging.Logger) *SQLiteStore {
	store := NewSQLiteStore(dbService, logger)
	if retryConfig != nil {
		store.retryConfig = retryConfig
	}
	return store
}

// OnChange registers a callback invoked after any committed mutation.
func (s *SQLiteStore) OnChange(fn func()) {
	s.notifier.subscribe(fn)
}

// notifyMutation records (inside a transaction) or broadcasts (outside) a
// completed mutation.
func (s *SQLiteStore) notifyMutation() {
	if s.inTx {
		if s.txMutated != nil {
			*s.txMutated = true
		}
		return
	}
	s.notifier.broadcast()
}

// classifyError maps database errors onto store error codes.
func (s *SQLiteStore) classifyError(err error) storeerrors.ErrorCode {
	return storeerrors.ClassifyError(err)
}
