// Package merge folds ordered partial school documents into one aggregate.
//
// Precedence is first-seen wins: a field populated by an earlier page is
// never overwritten, an empty field is filled by the first later page that
// has it, and a populated disagreement keeps the earlier value and records
// a Conflict instead of failing.
package merge

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

// Conflict records a populated field disagreement between pages. Kept is the
// value that survived, Rejected the one that lost, Page the index of the
// page that supplied the rejected value.
type Conflict struct {
	Path     string `json:"path"`
	Kept     string `json:"kept"`
	Rejected string `json:"rejected"`
	Page     int    `json:"page"`
}

// Accumulator merges successive partial documents. Callers feed documents in
// page-index order. Entity identity is the normalized key, so feeding the
// same content twice is a no-op. Every value, including the first document's,
// passes through the same precedence rules, which also collapses duplicate
// entities listed twice on one page.
type Accumulator struct {
	school    *schema.School
	conflicts []Conflict
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add merges doc into the accumulator. The document is not retained or
// mutated. The continuation flag applies to a single model response, never
// to the merged document, so it is not carried over.
func (a *Accumulator) Add(doc *schema.School, page int) {
	if doc == nil {
		return
	}
	if a.school == nil {
		a.school = &schema.School{}
	}

	a.mergeString("name", &a.school.Name, doc.Name, page)
	a.mergeMap("terms", &a.school.Terms, doc.Terms, page)

	for _, sl := range doc.Locations {
		a.mergeLocation(sl, page)
	}
}

// School returns the merged document, or nil when nothing was added.
func (a *Accumulator) School() *schema.School {
	return a.school
}

// Conflicts returns all recorded disagreements in the order they were found.
func (a *Accumulator) Conflicts() []Conflict {
	return a.conflicts
}

func (a *Accumulator) mergeLocation(src schema.Location, page int) {
	key := src.Key()
	idx := -1
	for i := range a.school.Locations {
		if a.school.Locations[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.school.Locations = append(a.school.Locations, schema.Location{
			City:    src.City,
			Country: src.Country,
		})
		idx = len(a.school.Locations) - 1
	}

	dst := &a.school.Locations[idx]
	path := "locations[" + key + "]"

	a.mergeString(path+".city", &dst.City, src.City, page)
	a.mergeString(path+".country", &dst.Country, src.Country, page)
	a.mergeString(path+".address", &dst.Address, src.Address, page)
	a.mergeMap(path+".additional_fees", &dst.AdditionalFees, src.AdditionalFees, page)

	for _, sc := range src.Courses {
		a.mergeCourse(path, dst, sc, page)
	}
	for _, sa := range src.Accommodations {
		a.mergeAccommodation(path, dst, sa, page)
	}
}

func (a *Accumulator) mergeCourse(parent string, loc *schema.Location, src schema.Course, page int) {
	key := src.Key()
	idx := -1
	for i := range loc.Courses {
		if loc.Courses[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		loc.Courses = append(loc.Courses, schema.Course{Name: src.Name})
		idx = len(loc.Courses) - 1
	}

	dst := &loc.Courses[idx]
	path := parent + ".courses[" + key + "]"

	a.mergeString(path+".name", &dst.Name, src.Name, page)
	a.mergeInt(path+".lessons_per_week", &dst.LessonsPerWeek, src.LessonsPerWeek, page)
	a.mergeString(path+".description", &dst.Description, src.Description, page)
	a.mergeString(path+".requirements", &dst.Requirements, src.Requirements, page)

	for _, sp := range src.Prices {
		a.mergePrice(path, dst, sp, page)
	}
}

func (a *Accumulator) mergePrice(parent string, course *schema.Course, src schema.Price, page int) {
	key := src.Key()
	idx := -1
	for i := range course.Prices {
		if course.Prices[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		course.Prices = append(course.Prices, schema.Price{Duration: src.Duration})
		idx = len(course.Prices) - 1
	}

	dst := &course.Prices[idx]
	path := parent + ".prices[" + key + "]"

	a.mergeString(path+".duration", &dst.Duration, src.Duration, page)
	a.mergeString(path+".price", &dst.Price, src.Price, page)
	a.mergeString(path+".currency", &dst.Currency, src.Currency, page)
}

func (a *Accumulator) mergeAccommodation(parent string, loc *schema.Location, src schema.Accommodation, page int) {
	key := src.Key()
	idx := -1
	for i := range loc.Accommodations {
		if loc.Accommodations[i].Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		loc.Accommodations = append(loc.Accommodations, schema.Accommodation{Type: src.Type})
		idx = len(loc.Accommodations) - 1
	}

	dst := &loc.Accommodations[idx]
	path := parent + ".accommodations[" + key + "]"

	a.mergeString(path+".type", &dst.Type, src.Type, page)
	a.mergeString(path+".price_per_week", &dst.PricePerWeek, src.PricePerWeek, page)
	a.mergeString(path+".description", &dst.Description, src.Description, page)
	a.mergeMap(path+".supplements", &dst.Supplements, src.Supplements, page)
}

// mergeString fills an empty destination, keeps a populated one, and records
// a conflict when both sides are populated and differ beyond cosmetic
// case/whitespace variation.
func (a *Accumulator) mergeString(path string, dst *string, src string, page int) {
	if src == "" {
		return
	}
	if *dst == "" {
		*dst = src
		return
	}
	if schema.Normalize(*dst) != schema.Normalize(src) {
		a.conflicts = append(a.conflicts, Conflict{Path: path, Kept: *dst, Rejected: src, Page: page})
	}
}

func (a *Accumulator) mergeInt(path string, dst *int, src int, page int) {
	if src == 0 {
		return
	}
	if *dst == 0 {
		*dst = src
		return
	}
	if *dst != src {
		a.conflicts = append(a.conflicts, Conflict{
			Path:     path,
			Kept:     strconv.Itoa(*dst),
			Rejected: strconv.Itoa(src),
			Page:     page,
		})
	}
}

// mergeMap unions per key with the same first-seen rule. Keys are visited in
// sorted order so conflict output is deterministic.
func (a *Accumulator) mergeMap(path string, dst *map[string]string, src map[string]string, page int) {
	if len(src) == 0 {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string, len(src))
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := src[k]
		if v == "" {
			continue
		}
		cur, ok := (*dst)[k]
		if !ok || cur == "" {
			(*dst)[k] = v
			continue
		}
		if schema.Normalize(cur) != schema.Normalize(v) {
			a.conflicts = append(a.conflicts, Conflict{
				Path:     fmt.Sprintf("%s[%s]", path, k),
				Kept:     cur,
				Rejected: v,
				Page:     page,
			})
		}
	}
}
