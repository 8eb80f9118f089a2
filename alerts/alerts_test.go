package alerts

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"
)

type recordingReporter struct {
	mu     sync.Mutex
	scopes []string
}

func (r *recordingReporter) BroadcastEvent(event, scope string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, scope)
	return nil
}

func TestAlerts(t *testing.T) {
	events := new(recordingReporter)
	m := NewManager(WithEventReporter(events))

	expectedAlert := Alert{
		ID:       RandomID(),
		Category: "upgrade",
		Severity: SeverityCritical,
		Message:  "foo",
		Data: map[string]any{
			"bar": "baz",
		},
		Timestamp: time.Now().Round(0),
	}
	// register the alert
	m.Register(expectedAlert)
	alerts := m.Active()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	} else if !reflect.DeepEqual(alerts[0], expectedAlert) {
		t.Fatalf("expected alert %v, got %v", expectedAlert, alerts[0])
	}

	// update the alert
	expectedAlert.Data["bar"] = "qux"
	m.Register(expectedAlert)
	alerts = m.Active()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	} else if !reflect.DeepEqual(alerts[0], expectedAlert) {
		t.Fatalf("expected alert %v, got %v", expectedAlert, alerts[0])
	}

	if len(events.scopes) != 2 || events.scopes[0] != "alerts/critical" {
		t.Fatalf("unexpected broadcast scopes %v", events.scopes)
	}

	// dismiss the alert
	m.Dismiss(expectedAlert.ID)
	alerts = m.Active()
	if len(alerts) != 0 {
		t.Fatalf("expected 0 alerts, got %d", len(alerts))
	}
}

func TestDismissCategory(t *testing.T) {
	m := NewManager()
	for i := 0; i < 3; i++ {
		m.Register(Alert{ID: RandomID(), Category: "upgrade", Severity: SeverityWarning, Timestamp: time.Now()})
	}
	m.Register(Alert{ID: RandomID(), Category: "webhooks", Severity: SeverityInfo, Timestamp: time.Now()})

	m.DismissCategory("upgrade")
	if alerts := m.Active(); len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	} else if alerts[0].Category != "webhooks" {
		t.Fatalf("expected webhooks alert, got %q", alerts[0].Category)
	}
}

func TestSeverityJSON(t *testing.T) {
	buf, err := json.Marshal(SeverityWarning)
	if err != nil {
		t.Fatal(err)
	} else if string(buf) != `"warning"` {
		t.Fatalf("expected \"warning\", got %s", buf)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"error"`), &s); err != nil {
		t.Fatal(err)
	} else if s != SeverityError {
		t.Fatalf("expected error severity, got %v", s)
	} else if err := json.Unmarshal([]byte(`"fatal"`), &s); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}
