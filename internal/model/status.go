package model

// Status is the VM lifecycle state spec.md §3 defines. Exactly one
// transition is in flight at a time, driven by the owning supervisor.
type Status string

const (
	StatusNew         Status = "NEW"
	StatusConfiguring Status = "CONFIGURING"
	StatusStopped     Status = "STOPPED"
	StatusStarting    Status = "STARTING"
	StatusRunning     Status = "RUNNING"
	StatusStopping    Status = "STOPPING"
)

// allowedTransitions enumerates the transition table from spec.md §3. It is
// exposed through CanTransition only; the supervisor assigns Status
// directly and does not consult this table before a mutation.
var allowedTransitions = map[Status][]Status{
	StatusNew:         {StatusStopped},
	StatusStopped:     {StatusStarting},
	StatusStarting:    {StatusRunning, StatusStopped},
	StatusRunning:     {StatusStopping, StatusStopped},
	StatusStopping:    {StatusStopped},
	StatusConfiguring: {StatusStopped},
}

// CanTransition reports whether moving from `from` to `to` is a legal
// transition under spec.md §3's table.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Alive reports whether a VM in this status is expected to own a live QEMU
// child, a QMP monitor and its TAP devices (spec.md §3 invariants).
func (s Status) Alive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	default:
		return false
	}
}
