package sqlite

import (
	"go.uber.org/zap"
)

// migrateVersion4 adds the legacy hook failures table.
func migrateVersion4(tx *txn, _ *zap.Logger) error {
	_, err := tx.Exec(`CREATE TABLE legacy_hook_failures (
	cron_event_id INTEGER PRIMARY KEY,
	reason TEXT NOT NULL,
	date_created INTEGER NOT NULL
);`)
	return err
}

// migrateVersion3 adds the gateway notifications table.
func migrateVersion3(tx *txn, _ *zap.Logger) error {
	_, err := tx.Exec(`CREATE TABLE gateway_notifications (
	id INTEGER PRIMARY KEY,
	gateway TEXT NOT NULL,
	payload BLOB NOT NULL,
	date_received INTEGER NOT NULL
);`)
	return err
}

// migrateVersion2 adds the legacy failures table and an index to speed up
// selecting subscriptions to repair.
func migrateVersion2(tx *txn, log *zap.Logger) error {
	const query = `CREATE TABLE legacy_upgrade_failures (
	order_item_id INTEGER PRIMARY KEY,
	reason TEXT NOT NULL,
	date_created INTEGER NOT NULL
);
CREATE INDEX subscriptions_dates_checked ON subscriptions(dates_checked, legacy_order_item_id);`
	if _, err := tx.Exec(query); err != nil {
		return err
	}
	log.Debug("added legacy failures table")
	return nil
}

// migrations is a list of functions that are run to migrate the database from
// one version to the next. Migrations are used to update existing databases to
// match the schema in init.sql.
var migrations = []func(tx *txn, log *zap.Logger) error{
	migrateVersion2,
	migrateVersion3,
	migrateVersion4,
}
