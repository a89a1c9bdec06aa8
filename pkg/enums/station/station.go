package station

import "strings"

type Station struct {
	Name string
}

func (s Station) Code() string {
	return s.Name
}

func (s Station) Label() string {
	parts := strings.Split(strings.ToLower(s.Name), "_")
	for i := range parts {
		if len(parts[i]) > 0 {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, " ")
}

type Enum struct {
	Kitchen     Station
	Grill       Station
	Fry         Station
	ColdStation Station
	Drink       Station
	Dessert     Station
}

var Stations = Enum{
	Kitchen:     Station{Name: "KITCHEN"},
	Grill:       Station{Name: "GRILL"},
	Fry:         Station{Name: "FRY"},
	ColdStation: Station{Name: "COLD_STATION"},
	Drink:       Station{Name: "DRINK"},
	Dessert:     Station{Name: "DESSERT"},
}

var All = []Station{
	Stations.Kitchen,
	Stations.Grill,
	Stations.Fry,
	Stations.ColdStation,
	Stations.Drink,
	Stations.Dessert,
}

// Default is used for items that arrive without a cook station.
var Default = Stations.Kitchen

// ByName returns the station for a given name, or nil if not found
func ByName(name string) *Station {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, s := range All {
		if s.Name == name {
			return &s
		}
	}
	return nil
}
