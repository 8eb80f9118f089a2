package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
)

// Option returns the value of an option and whether it is set.
func (s *Store) Option(key string) (value string, ok bool, err error) {
	err = s.transaction(func(tx *txn) error {
		err := tx.QueryRow(`SELECT option_value FROM options WHERE option_name=$1`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return
}

// SetOption sets the value of an option.
func (s *Store) SetOption(key, value string) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`INSERT INTO options (option_name, option_value) VALUES ($1, $2) ON CONFLICT (option_name) DO UPDATE SET option_value=EXCLUDED.option_value`, key, value)
		return err
	})
}

// DeleteOption deletes an option. Deleting an option that is not set is not
// an error.
func (s *Store) DeleteOption(key string) error {
	return s.transaction(func(tx *txn) error {
		_, err := tx.Exec(`DELETE FROM options WHERE option_name=$1`, key)
		return err
	})
}

// DeleteOptionsWithPrefix deletes all options whose name starts with prefix.
func (s *Store) DeleteOptionsWithPrefix(prefix string) (deleted int, err error) {
	if prefix == "" {
		return 0, errors.New("empty option prefix")
	}
	err = s.transaction(func(tx *txn) error {
		res, err := tx.Exec(`DELETE FROM options WHERE substr(option_name, 1, length($1))=$1`, prefix)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = int(n)
		return nil
	})
	return
}

// CompareAndSwapOption atomically replaces the value of an option if it
// matches prev. A nil prev requires the option to be absent and a nil next
// deletes the option.
func (s *Store) CompareAndSwapOption(key string, prev, next *string) (swapped bool, err error) {
	err = s.transaction(func(tx *txn) error {
		var res sql.Result
		var err error
		switch {
		case prev == nil && next == nil:
			var exists bool
			err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM options WHERE option_name=$1)`, key).Scan(&exists)
			swapped = !exists
			return err
		case prev == nil:
			res, err = tx.Exec(`INSERT INTO options (option_name, option_value) VALUES ($1, $2) ON CONFLICT (option_name) DO NOTHING`, key, *next)
		case next == nil:
			res, err = tx.Exec(`DELETE FROM options WHERE option_name=$1 AND option_value=$2`, key, *prev)
		default:
			res, err = tx.Exec(`UPDATE options SET option_value=$1 WHERE option_name=$2 AND option_value=$3`, *next, key, *prev)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		swapped = n == 1
		return nil
	})
	return
}
