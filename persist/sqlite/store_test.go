package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestTransactionRetry(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	err = db.transaction(func(tx *txn) error { return nil }) // start a new empty transaction, should succeed immediately
	if err != nil {
		t.Fatal(err)
	}

	ch := make(chan struct{}, 1) // channel to synchronize the transaction goroutine

	// start a write transaction in a goroutine and hold it open for a second
	// this should force the next write transaction to be retried
	go func() {
		err := db.transaction(func(tx *txn) error {
			if _, err := tx.Exec(`INSERT INTO options (option_name, option_value) VALUES ('held', '1')`); err != nil {
				return err
			}
			ch <- struct{}{}
			time.Sleep(time.Second)
			return nil
		})
		if err != nil {
			panic(err)
		}
		ch <- struct{}{}
	}()

	<-ch // wait for the transaction to start

	if err := db.SetOption("retried", "1"); err != nil {
		t.Fatal(err)
	}

	<-ch // wait for the transaction to finish

	if _, ok, err := db.Option("held"); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected held option to be set")
	}
}

func TestBackup(t *testing.T) {
	log := zaptest.NewLogger(t)
	dir := t.TempDir()
	db, err := OpenDatabase(filepath.Join(dir, "test.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.SetOption("active_version", "1.3"); err != nil {
		t.Fatal(err)
	}

	backupPath := filepath.Join(dir, "backup.db")
	if err := db.Backup(context.Background(), backupPath); err != nil {
		t.Fatal(err)
	}

	backup, err := OpenDatabase(backupPath, log.Named("backup"))
	if err != nil {
		t.Fatal(err)
	}
	defer backup.Close()

	if v, ok, err := backup.Option("active_version"); err != nil {
		t.Fatal(err)
	} else if !ok || v != "1.3" {
		t.Fatalf("expected backup to contain active version 1.3, got %q", v)
	}

	// backing up over an existing file is not allowed
	if err := db.Backup(context.Background(), backupPath); err == nil {
		t.Fatal("expected error backing up to an existing file")
	}

	// a cancelled backup leaves nothing behind
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelledPath := filepath.Join(dir, "cancelled.db")
	if err := db.Backup(ctx, cancelledPath); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	} else if _, err := os.Stat(cancelledPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected no backup file")
	} else if _, err := os.Stat(cancelledPath + ".partial"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected partial backup to be removed")
	}
}
