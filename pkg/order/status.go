package order

// Status is the lifecycle state of an order.
//
// Transition graph:
//
//	pending -> routing -> building -> submitted -> confirmed
//	any non-terminal state -> failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed" // settled on-chain without revert
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
	StatusFailed:    4,
}

// Rank orders statuses along the transition graph. Unknown statuses rank -1.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// IsTerminal reports whether no further transitions are accepted.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is an edge of the graph.
// Re-entering the same non-terminal status is allowed so a redelivered job
// can record a step again without regressing.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusConfirmed {
		return from == StatusSubmitted
	}
	d := to.Rank() - from.Rank()
	return d == 0 || d == 1
}
