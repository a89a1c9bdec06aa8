package ticketstatus

import "strings"

type Status struct {
	Name string
	rank int
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	if s.Name == "" {
		return ""
	}
	lower := strings.ToLower(s.Name)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == Statuses.Served || s == Statuses.Cancelled
}

// Rank orders the forward path PENDING < COOKING < READY < SERVED.
// Cancelled sits outside the path and ranks -1.
func (s Status) Rank() int {
	return s.rank
}

type Enum struct {
	Pending   Status
	Cooking   Status
	Ready     Status
	Served    Status
	Cancelled Status
}

var Statuses = Enum{
	Pending:   Status{Name: "PENDING", rank: 0},
	Cooking:   Status{Name: "COOKING", rank: 1},
	Ready:     Status{Name: "READY", rank: 2},
	Served:    Status{Name: "SERVED", rank: 3},
	Cancelled: Status{Name: "CANCELLED", rank: -1},
}

var All = []Status{
	Statuses.Pending,
	Statuses.Cooking,
	Statuses.Ready,
	Statuses.Served,
	Statuses.Cancelled,
}

// ByName returns the status for a given name, or nil if not found.
// Matching is case-insensitive.
func ByName(name string) *Status {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// CanTransition reports whether a ticket may move from one status to another.
// The forward path only advances one way and any non-terminal status may be
// cancelled. Terminal statuses accept nothing.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == Statuses.Cancelled {
		return true
	}
	return to.rank > from.rank
}
