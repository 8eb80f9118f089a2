package sqlite

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shoplift/subsd/webhooks"
)

// RegisterWebhook registers a new webhook.
func (s *Store) RegisterWebhook(url, secret string, scopes []string) (id int64, err error) {
	err = s.transaction(func(tx *txn) error {
		return tx.QueryRow(`INSERT INTO webhooks (callback_url, secret_key, scopes, date_created) VALUES ($1, $2, $3, $4) RETURNING id`,
			url, secret, strings.Join(scopes, ","), sqlTime(time.Now())).Scan(&id)
	})
	return
}

// UpdateWebhook updates a webhook.
func (s *Store) UpdateWebhook(id int64, url string, scopes []string) error {
	return s.transaction(func(tx *txn) error {
		var dbID int64
		err := tx.QueryRow(`UPDATE webhooks SET callback_url=$1, scopes=$2 WHERE id=$3 RETURNING id`, url, strings.Join(scopes, ","), id).Scan(&dbID)
		if errors.Is(err, sql.ErrNoRows) {
			return webhooks.ErrWebhookNotFound
		}
		return err
	})
}

// RemoveWebhook removes a webhook.
func (s *Store) RemoveWebhook(id int64) error {
	return s.transaction(func(tx *txn) error {
		res, err := tx.Exec(`DELETE FROM webhooks WHERE id=$1`, id)
		if err != nil {
			return err
		} else if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return webhooks.ErrWebhookNotFound
		}
		return nil
	})
}

// Webhooks returns all webhooks.
func (s *Store) Webhooks() (hooks []webhooks.Webhook, err error) {
	err = s.transaction(func(tx *txn) error {
		rows, err := tx.Query(`SELECT id, callback_url, secret_key, scopes, date_created FROM webhooks ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var hook webhooks.Webhook
			var scopes string
			if err := rows.Scan(&hook.ID, &hook.CallbackURL, &hook.SecretKey, &scopes, (*sqlTime)(&hook.DateCreated)); err != nil {
				return err
			}
			hook.Scopes = strings.Split(scopes, ",")
			hooks = append(hooks, hook)
		}
		return rows.Err()
	})
	return
}
