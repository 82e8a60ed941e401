// Package schema defines the structured data model extracted from language
// school brochures, along with the normalization and identity rules used
// when partial extractions are merged.
package schema

import (
	"strings"
)

// Price represents one price point for a course
type Price struct {
	Duration string `json:"duration"` // e.g. "2 weeks", "per week"
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

// Course represents a single language course offered at a location
type Course struct {
	Name           string  `json:"name"`
	LessonsPerWeek int     `json:"lessons_per_week"`
	Description    string  `json:"description"`
	Prices         []Price `json:"prices"`
	Requirements   string  `json:"requirements,omitempty"`
}

// Accommodation represents a housing option offered at a location
type Accommodation struct {
	Type         string            `json:"type"` // e.g. "Host family", "Residence"
	PricePerWeek string            `json:"price_per_week"`
	Description  string            `json:"description"`
	Supplements  map[string]string `json:"supplements,omitempty"`
}

// Location represents one campus or city where the school operates
type Location struct {
	City           string            `json:"city"`
	Country        string            `json:"country"` // ISO 3166-1 alpha-2
	Address        string            `json:"address"`
	Courses        []Course          `json:"courses"`
	Accommodations []Accommodation   `json:"accommodations"`
	AdditionalFees map[string]string `json:"additional_fees,omitempty"`
}

// School is the root entity extracted from a brochure. Repeat is a
// continuation flag set by the extraction model when its output was
// truncated and more entities remain on the page.
type School struct {
	Name      string            `json:"name"`
	Locations []Location        `json:"locations"`
	Terms     map[string]string `json:"terms,omitempty"`
	Repeat    bool              `json:"repeat,omitempty"`
}

// Normalize lowercases, trims, and collapses internal whitespace so that
// cosmetic variations of the same value map to one identity.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeCountry uppercases a country code for identity comparison.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Key returns the merge identity of a location: city plus country.
func (l Location) Key() string {
	return Normalize(l.City) + "|" + NormalizeCountry(l.Country)
}

// Key returns the merge identity of a course: its normalized name.
func (c Course) Key() string {
	return Normalize(c.Name)
}

// Key returns the merge identity of a price: its normalized duration.
func (p Price) Key() string {
	return Normalize(p.Duration)
}

// Key returns the merge identity of an accommodation: its normalized type.
func (a Accommodation) Key() string {
	return Normalize(a.Type)
}

// IsZero reports whether the school carries no extracted data at all.
func (s *School) IsZero() bool {
	return s == nil || (s.Name == "" && len(s.Locations) == 0 && len(s.Terms) == 0)
}

// Clone returns a deep copy of the school. Merging mutates its target, so
// callers that keep the original must clone first.
func (s *School) Clone() *School {
	if s == nil {
		return nil
	}
	out := &School{
		Name:   s.Name,
		Repeat: s.Repeat,
		Terms:  cloneMap(s.Terms),
	}
	if s.Locations != nil {
		out.Locations = make([]Location, len(s.Locations))
		for i, l := range s.Locations {
			out.Locations[i] = l.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the location.
func (l Location) Clone() Location {
	out := Location{
		City:           l.City,
		Country:        l.Country,
		Address:        l.Address,
		AdditionalFees: cloneMap(l.AdditionalFees),
	}
	if l.Courses != nil {
		out.Courses = make([]Course, len(l.Courses))
		for i, c := range l.Courses {
			out.Courses[i] = c.Clone()
		}
	}
	if l.Accommodations != nil {
		out.Accommodations = make([]Accommodation, len(l.Accommodations))
		for i, a := range l.Accommodations {
			out.Accommodations[i] = a.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the course.
func (c Course) Clone() Course {
	out := c
	if c.Prices != nil {
		out.Prices = make([]Price, len(c.Prices))
		copy(out.Prices, c.Prices)
	}
	return out
}

// Clone returns a deep copy of the accommodation.
func (a Accommodation) Clone() Accommodation {
	out := a
	out.Supplements = cloneMap(a.Supplements)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
