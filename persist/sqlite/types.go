package sqlite

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// sqlTime stores a time as unix seconds. The zero time is stored as NULL.
	sqlTime time.Time

	// sqlDecimal stores a decimal as its exact string representation.
	sqlDecimal decimal.Decimal
)

// Scan implements the sql.Scanner interface.
func (st *sqlTime) Scan(src any) error {
	switch src := src.(type) {
	case nil:
		*st = sqlTime(time.Time{})
		return nil
	case int64:
		*st = sqlTime(time.Unix(src, 0).UTC())
		return nil
	default:
		return fmt.Errorf("cannot scan %T to Time", src)
	}
}

// Value implements the driver.Valuer interface.
func (st sqlTime) Value() (driver.Value, error) {
	if time.Time(st).IsZero() {
		return nil, nil
	}
	return time.Time(st).Unix(), nil
}

// Scan implements the sql.Scanner interface.
func (sd *sqlDecimal) Scan(src any) error {
	var s string
	switch src := src.(type) {
	case string:
		s = src
	case []byte:
		s = string(src)
	case int64:
		*sd = sqlDecimal(decimal.NewFromInt(src))
		return nil
	default:
		return fmt.Errorf("cannot scan %T to Decimal", src)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("failed to parse decimal %q: %w", s, err)
	}
	*sd = sqlDecimal(d)
	return nil
}

// Value implements the driver.Valuer interface.
func (sd sqlDecimal) Value() (driver.Value, error) {
	return decimal.Decimal(sd).String(), nil
}
