package itemstatus

import (
	"strings"
)

type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	parts := strings.Split(s.Name, "-")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

// Done reports whether the item no longer needs kitchen attention.
func (s Status) Done() bool {
	return s.Name == Statuses.Bumped.Name || s.Name == Statuses.Voided.Name
}

type Enum struct {
	Pending Status
	Fired   Status
	Ready   Status
	Bumped  Status
	Voided  Status
}

var Statuses = Enum{
	Pending: Status{Name: "pending"},
	Fired:   Status{Name: "fired"},
	Ready:   Status{Name: "ready"},
	Bumped:  Status{Name: "bumped"},
	Voided:  Status{Name: "voided"},
}

var All = []Status{
	Statuses.Pending,
	Statuses.Fired,
	Statuses.Ready,
	Statuses.Bumped,
	Statuses.Voided,
}

// ByName returns the status for a given name, or nil if not found
func ByName(name string) *Status {
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}
