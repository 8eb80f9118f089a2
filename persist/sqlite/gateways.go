package sqlite

import "time"

// AddGatewayNotification records an inbound payment gateway notification.
func (s *Store) AddGatewayNotification(gateway string, payload []byte) (id int64, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`INSERT INTO gateway_notifications (gateway, payload, date_received) VALUES ($1, $2, $3) RETURNING id`, gateway, payload, sqlTime(time.Now())).Scan(&id)
	})
	return
}

// GatewayNotificationCount returns the number of recorded gateway
// notifications.
func (s *Store) GatewayNotificationCount() (count int, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM gateway_notifications`).Scan(&count)
	})
	return
}
