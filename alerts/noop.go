package alerts

// A NoOpAlerter is an Alerter that does nothing.
type NoOpAlerter struct{}

// Register implements the Alerter interface.
func (NoOpAlerter) Register(Alert) {}

// Dismiss implements the Alerter interface.
func (NoOpAlerter) Dismiss(...ID) {}

var _ Alerter = NoOpAlerter{}

// NewNop returns a new NoOpAlerter.
func NewNop() NoOpAlerter {
	return NoOpAlerter{}
}

// Active returns no alerts.
func (NoOpAlerter) Active() []Alert { return nil }
