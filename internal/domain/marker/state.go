package marker

// Status is the lifecycle position of the confirmation state machine.
type Status int

// Confirmation statuses.
const (
	// Idle means the counter is zero.
	Idle Status = iota
	// Confirming means 0 < counter < threshold.
	Confirming
	// Triggered is the terminal success state.
	Triggered
	// Faulted is the terminal failure state.
	Faulted
)

// String returns the lower-case status name used in logs and the status API.
func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Confirming:
		return "confirming"
	case Triggered:
		return "triggered"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further observation can change the status.
func (s Status) Terminal() bool {
	return s == Triggered || s == Faulted
}

// State is a point-in-time copy of the confirmation state.
type State struct {
	Counter    int
	TargetText string
	Threshold  int
	Status     Status
	// LastSeq is the sequence number of the last accepted observation.
	LastSeq uint64
	// LastPayload is the last non-empty decoded payload.
	LastPayload string
}

// Transition describes the effect of one observation.
type Transition struct {
	Seq     uint64
	From    Status
	To      Status
	Counter int
	// Fired is true only for the single observation that entered Triggered.
	Fired bool
	// Reset is true when a non-zero counter dropped back to zero.
	Reset bool
}

// Changed reports whether the observation moved the counter or the status.
func (t Transition) Changed() bool {
	return t.From != t.To || t.Reset || t.To == Confirming
}
