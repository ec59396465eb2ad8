package geomodel

// Entity is a host record before validation. Coordinates are pointers so a
// record missing either of them can be told apart from one at 0,0.
type Entity struct {
	ID       string            `json:"id"`
	Lat      *float64          `json:"lat"`
	Lon      *float64          `json:"lon"`
	Title    string            `json:"title,omitempty"`
	Category string            `json:"category,omitempty"`
	Facts    map[string]string `json:"facts,omitempty"`
}

// Marker converts e into a single marker. ok is false for malformed records.
func (e Entity) Marker() (Marker, bool) {
	if e.ID == "" || e.Lat == nil || e.Lon == nil {
		return Marker{}, false
	}
	m := Marker{
		ID:       e.ID,
		Lat:      *e.Lat,
		Lon:      *e.Lon,
		Kind:     KindSingle,
		Title:    e.Title,
		Category: e.Category,
		Facts:    e.Facts,
	}
	if !m.Coordinate().Valid() {
		return Marker{}, false
	}
	return m, true
}

// MarkersFromEntities drops malformed records silently.
func MarkersFromEntities(entities []Entity) []Marker {
	markers := make([]Marker, 0, len(entities))
	for _, e := range entities {
		if m, ok := e.Marker(); ok {
			markers = append(markers, m)
		}
	}
	return markers
}

// ValidMarkers returns the subset of markers that can be clustered, keeping order.
func ValidMarkers(markers []Marker) []Marker {
	out := make([]Marker, 0, len(markers))
	for _, m := range markers {
		if m.Valid() {
			out = append(out, m)
		}
	}
	return out
}
