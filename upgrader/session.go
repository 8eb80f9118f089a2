package upgrader

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"time"
)

// Persisted option keys.
const (
	optionActiveVersion   = "active_version"
	optionPreviousVersion = "previous_version"
	optionIsUpgrading     = "is_upgrading"
	optionCurrentStep     = "current_step"
	optionNonce           = "upgrade_nonce"
	optionInitialCount    = "wcs_upgrade_initial_total_subscription_count"
	optionCronLock        = "doing_cron"
	optionWelcomeRedirect = "upgrade_welcome_redirect"
)

// A Session is the persisted state of a migration run.
type Session struct {
	ActiveVersion   string `json:"activeVersion"`
	PreviousVersion string `json:"previousVersion,omitempty"`
	// LeaseExpiry is the expiry of the advisory lock. It is zero when no
	// migration is claimed.
	LeaseExpiry  time.Time `json:"leaseExpiry"`
	CurrentStep  Stage     `json:"currentStep"`
	InitialCount int       `json:"initialCount"`

	// lease is the raw persisted lease value, used as the expected value
	// when swapping the lease.
	lease      string
	nonce      string
	hasInitial bool
}

// Claimed returns true if the lease is present, regardless of its expiry.
func (s Session) Claimed() bool {
	return s.lease != ""
}

// Upgrading returns true if the lease is present and has not expired.
func (s Session) Upgrading(now time.Time) bool {
	return s.lease != "" && s.LeaseExpiry.After(now)
}

// Started returns true if a migration run has started and not completed.
func (s Session) Started() bool {
	return s.PreviousVersion != ""
}

func (s Session) validNonce(nonce string) bool {
	if s.nonce == "" || nonce == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.nonce), []byte(nonce)) == 1
}

func loadSession(store OptionStore) (sess Session, err error) {
	var ok bool
	sess.ActiveVersion, ok, err = store.Option(optionActiveVersion)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get active version: %w", err)
	} else if !ok {
		sess.ActiveVersion = InitialInstallVersion
	}

	sess.PreviousVersion, _, err = store.Option(optionPreviousVersion)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get previous version: %w", err)
	}

	sess.lease, ok, err = store.Option(optionIsUpgrading)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get upgrade lease: %w", err)
	} else if ok {
		ts, err := strconv.ParseInt(sess.lease, 10, 64)
		if err != nil {
			// an unparseable lease is treated as expired so it can be
			// reclaimed
			ts = 0
		}
		sess.LeaseExpiry = time.Unix(ts, 0)
	}

	step, _, err := store.Option(optionCurrentStep)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get current step: %w", err)
	} else if sess.CurrentStep, err = ParseStage(step); err != nil {
		sess.CurrentStep = StageNone
	}

	sess.nonce, _, err = store.Option(optionNonce)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get upgrade nonce: %w", err)
	}

	count, ok, err := store.Option(optionInitialCount)
	if err != nil {
		return Session{}, fmt.Errorf("failed to get initial subscription count: %w", err)
	} else if ok {
		if sess.InitialCount, err = strconv.Atoi(count); err != nil {
			return Session{}, fmt.Errorf("failed to parse initial subscription count %q: %w", count, err)
		}
		sess.hasInitial = true
	}
	return sess, nil
}

func leaseValue(expiry time.Time) *string {
	v := strconv.FormatInt(expiry.Unix(), 10)
	return &v
}

// acquireLease claims the lease if it is absent or expired.
func acquireLease(store OptionStore, sess Session, now time.Time, timeout time.Duration) (bool, error) {
	if sess.Upgrading(now) {
		return false, nil
	}
	var prev *string
	if sess.Claimed() {
		prev = &sess.lease
	}
	return store.CompareAndSwapOption(optionIsUpgrading, prev, leaseValue(now.Add(timeout)))
}

// refreshLease extends a lease owned by the caller. The lease is extended even
// if it expired, as long as no other request has reclaimed it.
func refreshLease(store OptionStore, sess Session, now time.Time, timeout time.Duration) (bool, error) {
	var prev *string
	if sess.Claimed() {
		prev = &sess.lease
	}
	return store.CompareAndSwapOption(optionIsUpgrading, prev, leaseValue(now.Add(timeout)))
}
