package upgrader

import (
	"fmt"
	"html"
	"math"
	"strings"
	"time"
)

// Step result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Placeholders substituted by the client.
const (
	PlaceholderExecutionTime = "{execution_time}"
	PlaceholderTimeLeft      = "{time_left}"
)

const (
	// subscriptionsPerMinute is the base migration rate used for estimates.
	subscriptionsPerMinute = 50

	supportURL = "https://woocommerce.com/my-account/create-a-ticket/"

	timeLeftMessage = "Estimated time left (minutes:seconds): " + PlaceholderTimeLeft
)

type (
	// HelperData is handed to the upgrade helper page to drive the step
	// requests.
	HelperData struct {
		ReallyOldVersion bool `json:"reallyOldVersion"`
		UpgradeTo15      bool `json:"upgradeTo15"`
		UpgradeTo20      bool `json:"upgradeTo20"`
		Repair20         bool `json:"repair20"`

		HooksPerRequest         int `json:"hooksPerRequest"`
		SubscriptionsPerRequest int `json:"subscriptionsPerRequest"`
		SubscriptionCount       int `json:"subscriptionCount"`
		// EstimatedMinutes is zero for really old versions, where the
		// subscription count cannot be determined up front.
		EstimatedMinutes int `json:"estimatedMinutes,omitempty"`

		ActiveVersion  string  `json:"activeVersion"`
		CurrentVersion string  `json:"currentVersion"`
		Stages         []Stage `json:"stages"`
		Nonce          string  `json:"nonce,omitempty"`
		// Completed is true if no stage needed to run and the migration
		// completed immediately.
		Completed bool `json:"completed"`
	}

	// A StepResult is the machine-readable result of one step request.
	StepResult struct {
		Stage           Stage  `json:"step"`
		Message         string `json:"message"`
		UpgradedCount   *int   `json:"upgraded_count,omitempty"`
		RepairedCount   *int   `json:"repaired_count,omitempty"`
		UnrepairedCount *int   `json:"unrepaired_count,omitempty"`
		RemainingCount  *int   `json:"remaining_count,omitempty"`
		Status          string `json:"status"`
		TimeMessage     string `json:"time_message,omitempty"`
		Completed       bool   `json:"completed"`

		// remaining is the re-queried count of work left in the stage.
		remaining int
	}

	// InProgress describes a migration claimed by another request.
	InProgress struct {
		CurrentStep Stage     `json:"currentStep"`
		LeaseExpiry time.Time `json:"leaseExpiry"`
		RetryAfter  int       `json:"retryAfter"`
	}
)

func intPtr(n int) *int {
	return &n
}

// EstimateDuration estimates the time needed to migrate count subscriptions.
func EstimateDuration(count int) time.Duration {
	minutes := math.Ceil(float64(count) / subscriptionsPerMinute)
	// large stores take longer per batch
	if count > 5000 {
		minutes *= 3
	}
	if count > 10000 {
		minutes *= 2
	}
	return time.Duration(minutes) * time.Minute
}

// TimeLeft estimates the remaining time from the rate observed so far.
func TimeLeft(processed, remaining int, elapsed time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	} else if processed <= 0 || elapsed <= 0 {
		return EstimateDuration(remaining)
	}
	perRecord := elapsed / time.Duration(processed)
	return perRecord * time.Duration(remaining)
}

// FormatTimeLeft formats a duration as minutes:seconds.
func FormatTimeLeft(d time.Duration) string {
	d = d.Round(time.Second)
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// Render substitutes the placeholders in the result's messages. Clients that
// track elapsed time themselves use the raw messages instead.
func (r StepResult) Render(executionTime, timeLeft time.Duration) StepResult {
	replacer := strings.NewReplacer(
		PlaceholderExecutionTime, fmt.Sprintf("%.1f", executionTime.Seconds()),
		PlaceholderTimeLeft, FormatTimeLeft(timeLeft),
	)
	r.Message = replacer.Replace(r.Message)
	r.TimeMessage = replacer.Replace(r.TimeMessage)
	return r
}

func reallyOldVersionResult(versions []string) StepResult {
	return StepResult{
		Stage:   StageReallyOldVersion,
		Message: fmt.Sprintf("Database updated to version %s", strings.Join(versions, ", ")),
	}
}

func productsResult(n int) StepResult {
	return StepResult{
		Stage:         StageProducts,
		UpgradedCount: intPtr(n),
		Message:       fmt.Sprintf("Marked %d subscription products as \"sold individually\".", n),
	}
}

func hooksResult(n, remaining int) StepResult {
	return StepResult{
		Stage:          StageHooks,
		UpgradedCount:  intPtr(n),
		RemainingCount: intPtr(remaining),
		Message:        fmt.Sprintf("Migrated %d subscription related hooks to the new scheduler (in %s seconds).", n, PlaceholderExecutionTime),
		remaining:      remaining,
	}
}

func subscriptionsResult(n, remaining int) StepResult {
	return StepResult{
		Stage:          StageSubscriptions,
		UpgradedCount:  intPtr(n),
		RemainingCount: intPtr(remaining),
		Message:        fmt.Sprintf("Migrated %d subscriptions to the new structure (in %s seconds).", n, PlaceholderExecutionTime),
		TimeMessage:    timeLeftMessage,
		remaining:      remaining,
	}
}

func repairResult(repaired, unrepaired, remaining int) StepResult {
	msg := fmt.Sprintf("Repaired %d subscriptions with incorrect dates or missing customer notes.", repaired)
	switch {
	case unrepaired == 1:
		msg += " 1 other subscription was checked and did not need any repairs."
	case unrepaired > 1:
		msg += fmt.Sprintf(" %d other subscriptions were checked and did not need any repairs.", unrepaired)
	}
	msg += fmt.Sprintf(" (in %s seconds)", PlaceholderExecutionTime)
	return StepResult{
		Stage:           StageDatesRepair,
		RepairedCount:   intPtr(repaired),
		UnrepairedCount: intPtr(unrepaired),
		RemainingCount:  intPtr(remaining),
		Message:         msg,
		TimeMessage:     timeLeftMessage,
		remaining:       remaining,
	}
}

func skippedResult(s Stage) StepResult {
	return StepResult{
		Stage:   s,
		Message: fmt.Sprintf("Step %q is not required for this store.", s),
	}
}

// errorResult reports a stage-level failure. Counts are zeroed so polling
// clients stop retrying the batch automatically.
func errorResult(s Stage, err error) StepResult {
	var action string
	switch s {
	case StageDatesRepair:
		action = "repair"
	default:
		action = "upgrade"
	}
	res := StepResult{
		Stage:  s,
		Status: StatusError,
		Message: fmt.Sprintf("Unable to %s subscriptions.<br/>Error: <code>%s</code><br/>Please refresh the page and try again. If problem persists, <a href=%q>contact support</a>.",
			action, html.EscapeString(err.Error()), supportURL),
	}
	switch s {
	case StageDatesRepair:
		res.RepairedCount = intPtr(0)
		res.UnrepairedCount = intPtr(0)
	default:
		res.UpgradedCount = intPtr(0)
	}
	return res
}
