package ticketstatus

import "strings"

type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

func (s Status) Label() string {
	if len(s.Name) == 0 {
		return ""
	}
	return strings.ToUpper(s.Name[:1]) + s.Name[1:]
}

type Enum struct {
	New     Status
	Cooking Status
	Ready   Status
	Late    Status
}

var Statuses = Enum{
	New:     Status{Name: "new"},
	Cooking: Status{Name: "cooking"},
	Ready:   Status{Name: "ready"},
	Late:    Status{Name: "late"},
}

var All = []Status{
	Statuses.New,
	Statuses.Cooking,
	Statuses.Ready,
	Statuses.Late,
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
