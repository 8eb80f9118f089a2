package upgrader

import (
	"reflect"
	"testing"
)

func TestGateStages(t *testing.T) {
	tests := []struct {
		active       string
		current      string
		needsUpgrade bool
		initial      bool
		stages       []Stage
	}{
		{"", "2.0.0", true, true, nil},
		{"0", "2.1.0", true, true, nil},
		{"1.1", "2.0.0", true, false, []Stage{StageReallyOldVersion, StageProducts, StageHooks, StageSubscriptions}},
		{"1.3", "2.0.0", true, false, []Stage{StageReallyOldVersion, StageProducts, StageHooks, StageSubscriptions}},
		{"1.4", "2.0.0", true, false, []Stage{StageProducts, StageHooks, StageSubscriptions}},
		{"1.4.2", "2.0.0", true, false, []Stage{StageProducts, StageHooks, StageSubscriptions}},
		{"1.5", "2.0.0", true, false, []Stage{StageSubscriptions}},
		{"1.5.9", "2.1.0", true, false, []Stage{StageSubscriptions}},
		{"2.0.0", "2.1.0", true, false, []Stage{StageDatesRepair}},
		{"2.0.1", "2.0.2", true, false, []Stage{StageDatesRepair}},
		{"2.0.2", "2.1.0", true, false, nil},
		{"2.1.0", "2.1.0", false, false, nil},
		{"2.2.0", "2.1.0", false, false, nil},
	}
	for _, test := range tests {
		gate, err := NewGate(test.active, test.current)
		if err != nil {
			t.Fatal(err)
		}

		if gate.NeedsUpgrade() != test.needsUpgrade {
			t.Fatalf("%s -> %s: expected needs upgrade %v", test.active, test.current, test.needsUpgrade)
		} else if gate.IsInitialInstall() != test.initial {
			t.Fatalf("%s -> %s: expected initial install %v", test.active, test.current, test.initial)
		} else if stages := gate.Stages(); !reflect.DeepEqual(stages, test.stages) {
			t.Fatalf("%s -> %s: expected stages %v, got %v", test.active, test.current, test.stages, stages)
		}

		// an initial install is never "before" a version
		if test.initial && gate.Before(version20) {
			t.Fatalf("%s: initial install reported as before 2.0.0", test.active)
		}
	}
}

func TestGateInvalidVersion(t *testing.T) {
	if _, err := NewGate("1.x", "2.0.0"); err == nil {
		t.Fatal("expected invalid active version to fail")
	} else if _, err := NewGate("1.5", "latest"); err == nil {
		t.Fatal("expected invalid current version to fail")
	}
}

func TestGateNone(t *testing.T) {
	gate, err := NewGate("1.0", "2.0.0")
	if err != nil {
		t.Fatal(err)
	} else if gate.Applies(StageNone) {
		t.Fatal("expected StageNone to never apply")
	}
}
