package upgrader

import (
	"fmt"

	"github.com/shoplift/subsd/version"
)

// InitialInstallVersion is the active version of a store that has never been
// installed or migrated.
const InitialInstallVersion = "0"

// Version thresholds for the legacy stages.
var (
	version12  = version.MustParse("1.2")
	version13  = version.MustParse("1.3")
	version14  = version.MustParse("1.4")
	version142 = version.MustParse("1.4.2")
	version15  = version.MustParse("1.5")
	version20  = version.MustParse("2.0.0")
	version202 = version.MustParse("2.0.2")
	version210 = version.MustParse("2.1.0")
)

// A Gate decides which migration stages apply to a store. Every predicate is a
// pure function of the active and current versions.
type Gate struct {
	active  version.Version
	current version.Version
	initial bool
}

// Active returns the active version.
func (g Gate) Active() version.Version { return g.active }

// Current returns the running software version.
func (g Gate) Current() version.Version { return g.current }

// NeedsUpgrade returns true if the active version is older than the running
// software version.
func (g Gate) NeedsUpgrade() bool {
	return g.active.Cmp(g.current) < 0
}

// IsInitialInstall returns true if the store has never been migrated.
func (g Gate) IsInitialInstall() bool {
	return g.initial
}

// Before returns true if the store was migrated before and its active version
// is older than v.
func (g Gate) Before(v version.Version) bool {
	return !g.initial && g.active.Cmp(v) < 0
}

// inRepairWindow returns true if the active version was affected by the 2.0.0
// date migration bug.
func (g Gate) inRepairWindow() bool {
	return !g.initial && g.active.Cmp(version20) >= 0 && g.active.Cmp(version202) < 0
}

// Applies returns true if the stage must run for the store. The dates repair
// stage additionally requires migrated subscriptions to exist, which the
// controller checks.
func (g Gate) Applies(s Stage) bool {
	switch s {
	case StageNone:
		return false
	case StageReallyOldVersion:
		return g.Before(version14)
	case StageProducts, StageHooks:
		return g.Before(version15)
	case StageSubscriptions:
		return g.Before(version20)
	case StageDatesRepair:
		return g.inRepairWindow()
	default:
		panic(fmt.Sprintf("unknown stage %d", s)) // developer error
	}
}

// Stages returns the applicable stages in execution order.
func (g Gate) Stages() (stages []Stage) {
	for _, s := range orderedStages {
		if g.Applies(s) {
			stages = append(stages, s)
		}
	}
	return
}

// NewGate creates a gate comparing the persisted active version against the
// running software version. An empty active version is treated as an initial
// install.
func NewGate(active, current string) (Gate, error) {
	if active == "" {
		active = InitialInstallVersion
	}
	av, err := version.Parse(active)
	if err != nil {
		return Gate{}, fmt.Errorf("failed to parse active version %q: %w", active, err)
	}
	cv, err := version.Parse(current)
	if err != nil {
		return Gate{}, fmt.Errorf("failed to parse current version %q: %w", current, err)
	}
	return Gate{
		active:  av,
		current: cv,
		initial: active == InitialInstallVersion,
	}, nil
}
