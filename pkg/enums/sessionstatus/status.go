package sessionstatus

import (
	"strings"

	"github.com/tablelink/tablelink/pkg/enums/ticketstatus"
)

type Status struct {
	Name string
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

type Enum struct {
	Open    Status
	Cooking Status
	Ready   Status
	Done    Status
	Closed  Status
}

var Statuses = Enum{
	Open:    Status{Name: "OPEN"},
	Cooking: Status{Name: "COOKING"},
	Ready:   Status{Name: "READY"},
	Done:    Status{Name: "DONE"},
	Closed:  Status{Name: "CLOSED"},
}

var All = []Status{
	Statuses.Open,
	Statuses.Cooking,
	Statuses.Ready,
	Statuses.Done,
	Statuses.Closed,
}

// ByName returns the status for a given name, or nil if not found.
func ByName(name string) *Status {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// Derive returns the status of a session that has not been ended, given the
// statuses of its tickets. The least progressed active ticket wins; a session
// whose tickets are all served or cancelled is DONE.
func Derive(tickets []ticketstatus.Status) Status {
	least := -1
	for _, t := range tickets {
		if t.IsTerminal() {
			continue
		}
		if least == -1 || t.Rank() < least {
			least = t.Rank()
		}
	}

	switch least {
	case -1:
		if len(tickets) == 0 {
			return Statuses.Open
		}
		return Statuses.Done
	case ticketstatus.Statuses.Pending.Rank():
		return Statuses.Open
	case ticketstatus.Statuses.Cooking.Rank():
		return Statuses.Cooking
	default:
		return Statuses.Ready
	}
}
