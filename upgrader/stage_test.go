package upgrader

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestStageNames(t *testing.T) {
	for _, s := range append([]Stage{StageNone}, orderedStages...) {
		parsed, err := ParseStage(s.String())
		if err != nil {
			t.Fatal(err)
		} else if parsed != s {
			t.Fatalf("expected %v, got %v", s, parsed)
		}
	}

	if _, err := ParseStage("bogus"); err == nil {
		t.Fatal("expected unknown stage to fail")
	} else if s, err := ParseStage(""); err != nil || s != StageNone {
		t.Fatalf("expected empty name to parse as none, got %v %v", s, err)
	}

	for _, s := range []Stage{StageHooks, StageSubscriptions, StageDatesRepair} {
		if !s.Batched() {
			t.Fatalf("expected %v to be batched", s)
		}
	}
	if StageProducts.Batched() || StageReallyOldVersion.Batched() {
		t.Fatal("expected single request stages")
	}
}

func TestStageJSON(t *testing.T) {
	var req struct {
		Step Stage `json:"upgrade_step"`
	}
	if err := json.Unmarshal([]byte(`{"upgrade_step":"subscription_dates_repair"}`), &req); err != nil {
		t.Fatal(err)
	} else if req.Step != StageDatesRepair {
		t.Fatalf("expected dates repair, got %v", req.Step)
	} else if err := json.Unmarshal([]byte(`{"upgrade_step":"drop_tables"}`), &req); err == nil {
		t.Fatal("expected unknown step to fail")
	}

	buf, err := json.Marshal(subscriptionsResult(5, 10))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{`"step":"subscriptions"`, `"upgraded_count":5`, `"remaining_count":10`} {
		if !strings.Contains(string(buf), s) {
			t.Fatalf("expected %s in %s", s, buf)
		}
	}
	// unset counts are omitted
	if strings.Contains(string(buf), "repaired_count") {
		t.Fatalf("unexpected repaired count in %s", buf)
	}
}
