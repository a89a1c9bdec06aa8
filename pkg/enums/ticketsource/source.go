package ticketsource

import "strings"

type Source struct {
	Name string
}

func (s Source) Code() string {
	return s.Name
}

func (s Source) Label() string {
	switch s {
	case Sources.POS:
		return "POS"
	case Sources.SelfService:
		return "Self Service"
	}
	return s.Name
}

type Enum struct {
	POS         Source
	SelfService Source
}

var Sources = Enum{
	POS:         Source{Name: "POS"},
	SelfService: Source{Name: "SELF_SERVICE"},
}

var All = []Source{
	Sources.POS,
	Sources.SelfService,
}

// aliases maps names used by older clients to their canonical source.
var aliases = map[string]Source{
	"TLL":          Sources.SelfService,
	"SELF-SERVICE": Sources.SelfService,
	"SELFSERVICE":  Sources.SelfService,
}

// ByName returns the source for a given name, or nil if not found.
func ByName(name string) *Source {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	if s, ok := aliases[name]; ok {
		return &s
	}
	return nil
}
