package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shoplift/subsd/logging"
	"github.com/shoplift/subsd/scheduler"
	"github.com/shoplift/subsd/subscriptions"
	"github.com/shoplift/subsd/upgrader"
	"github.com/shoplift/subsd/webhooks"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

// backupPagesPerStep is the number of pages copied per backup step.
const backupPagesPerStep = 256

// A Store persists the subscription store's options, legacy records, migrated
// subscriptions, scheduled actions, webhooks and logs in a SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy returns true if err was caused by another connection holding the
// write lock.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// transaction runs fn in a database transaction. The transaction is rolled
// back if fn returns an error. Transactions that fail because the database is
// busy are retried with exponential backoff.
func (s *Store) transaction(fn func(*txn) error) error {
	log := s.log.Named("txn").With(zap.String("id", hex.EncodeToString(frand.Bytes(4))))
	start := time.Now()

	var err error
	attempt := 1
	for ; attempt < maxRetryAttempts; attempt++ {
		err = doTransaction(s.db, log, fn)
		if err == nil {
			return nil
		} else if !isBusy(err) {
			break
		}

		sleep := time.Duration(math.Pow(factor, float64(attempt))) * time.Millisecond
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
		log.Debug("database busy", zap.Int("attempt", attempt), zap.Duration("elapsed", time.Since(start)), zap.Duration("retry", sleep))
		jitterSleep(sleep)
	}
	return fmt.Errorf("transaction failed (attempt %d): %w", attempt, err)
}

func doTransaction(db *sql.DB, log *zap.Logger, fn func(tx *txn) error) error {
	dbtx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	start := time.Now()
	defer func() {
		if err := dbtx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Error("failed to rollback transaction", zap.Error(err))
		}
		if elapsed := time.Since(start); elapsed > longTxnDuration {
			log.Debug("long transaction", zap.Duration("elapsed", elapsed), zap.Stack("stack"))
		}
	}()

	tx := &txn{Tx: dbtx, log: log}
	if err := fn(tx); err != nil {
		return err
	} else if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func sqliteFilepath(fp string) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", busyTimeout),
		"_foreign_keys=true",
		"_journal_mode=WAL",
		"_secure_delete=false",
		"_auto_vacuum=INCREMENTAL",
		"_cache_size=-65536", // 64MiB
	}
	return "file:" + fp + "?" + strings.Join(params, "&")
}

func sqlConn(ctx context.Context, db *sql.DB) (*sql.Conn, *sqlite3.SQLiteConn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection: %w", err)
	}
	var raw *sqlite3.SQLiteConn
	err = conn.Raw(func(driverConn any) error {
		var ok bool
		raw, ok = driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return errors.New("connection is not a SQLiteConn")
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, raw, nil
}

// copyDatabase copies src to dest using the online backup API. Writers are
// not blocked between steps.
func copyDatabase(ctx context.Context, src, dest *sql.DB, log *zap.Logger) (err error) {
	sc, srcRaw, err := sqlConn(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to get source connection: %w", err)
	}
	defer sc.Close()

	dc, destRaw, err := sqlConn(ctx, dest)
	if err != nil {
		return fmt.Errorf("failed to get destination connection: %w", err)
	}
	defer dc.Close()

	backup, err := destRaw.Backup("main", srcRaw, "main")
	if err != nil {
		return fmt.Errorf("failed to start backup: %w", err)
	}
	defer func() {
		if ferr := backup.Finish(); ferr != nil && err == nil {
			err = fmt.Errorf("failed to finish backup: %w", ferr)
		}
	}()

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := backup.Step(backupPagesPerStep)
		if err != nil {
			return fmt.Errorf("backup step %d failed: %w", step, err)
		} else if done {
			return nil
		}
		log.Debug("backup progress", zap.Int("remaining", backup.Remaining()), zap.Int("pages", backup.PageCount()))
	}
}

// Backup copies the live database to destPath. The copy is written to a
// temporary file first so an interrupted backup never leaves a partial
// database at destPath. Existing files are not overwritten.
func (s *Store) Backup(ctx context.Context, destPath string) (err error) {
	if destPath == "" {
		return errors.New("empty destination path")
	} else if _, err := os.Stat(destPath); !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("destination %q already exists", destPath)
	}

	log := s.log.Named("backup").With(zap.String("path", destPath))
	start := time.Now()

	tmpPath := destPath + ".partial"
	dest, err := sql.Open("sqlite3", sqliteFilepath(tmpPath))
	if err != nil {
		return fmt.Errorf("failed to open destination database: %w", err)
	}
	defer func() {
		if err != nil {
			dest.Close()
			os.Remove(tmpPath)
			os.Remove(tmpPath + "-wal")
			os.Remove(tmpPath + "-shm")
		}
	}()

	if err := copyDatabase(ctx, s.db, dest, log); err != nil {
		return err
	} else if _, err := dest.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum backup: %w", err)
	} else if _, err := dest.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint backup: %w", err)
	} else if err := dest.Close(); err != nil {
		return fmt.Errorf("failed to close backup: %w", err)
	} else if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to move backup into place: %w", err)
	}
	log.Info("backed up database", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// OpenDatabase creates a new SQLite store and initializes the database. If the
// database does not exist, it is created.
func OpenDatabase(fp string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", sqliteFilepath(fp))
	if err != nil {
		return nil, err
	}
	store := &Store{
		db:  db,
		log: log,
	}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	sqliteVersion, _, _ := sqlite3.Version()
	log.Debug("database initialized", zap.String("sqliteVersion", sqliteVersion), zap.Int("schemaVersion", len(migrations)+1), zap.String("path", fp))
	return store, nil
}

var _ interface {
	upgrader.Store
	subscriptions.Store
	scheduler.Store
	webhooks.Store
	logging.LogStore
} = (*Store)(nil)
