package upgrader

import "fmt"

// Migration stages in execution order.
const (
	StageNone Stage = iota
	StageReallyOldVersion
	StageProducts
	StageHooks
	StageSubscriptions
	StageDatesRepair
)

// A Stage is one unit of schema transformation.
type Stage uint8

var orderedStages = []Stage{
	StageReallyOldVersion,
	StageProducts,
	StageHooks,
	StageSubscriptions,
	StageDatesRepair,
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageReallyOldVersion:
		return "really_old_version"
	case StageProducts:
		return "products"
	case StageHooks:
		return "hooks"
	case StageSubscriptions:
		return "subscriptions"
	case StageDatesRepair:
		return "subscription_dates_repair"
	default:
		panic(fmt.Sprintf("unknown stage %d", s)) // developer error
	}
}

// Batched returns true if the stage processes a bounded batch per request.
func (s Stage) Batched() bool {
	switch s {
	case StageHooks, StageSubscriptions, StageDatesRepair:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	stage, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// ParseStage parses a stage name.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "none", "":
		return StageNone, nil
	case "really_old_version":
		return StageReallyOldVersion, nil
	case "products":
		return StageProducts, nil
	case "hooks":
		return StageHooks, nil
	case "subscriptions":
		return StageSubscriptions, nil
	case "subscription_dates_repair":
		return StageDatesRepair, nil
	default:
		return StageNone, fmt.Errorf("unknown upgrade step %q", name)
	}
}
