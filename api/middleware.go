package api

import (
	"net/http"

	"go.uber.org/zap"
)

// A CronLocker denies background tasks a work lease while the store is out of
// date.
type CronLocker interface {
	LockCron() (bool, error)
}

// lockCron re-asserts the cron lock on every request. Failing to take the
// lock does not fail the request.
func lockCron(cl CronLocker, log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if locked, err := cl.LockCron(); err != nil {
			log.Warn("failed to lock background tasks", zap.Error(err))
		} else if locked {
			log.Debug("locked background tasks", zap.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	})
}
