// Package export renders aggregate school documents as CSV and XLSX
// spreadsheets.
package export

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

// Header is the column order shared by every export format.
var Header = []string{
	"School Name",
	"City",
	"Country",
	"Address",
	"Course Name",
	"Lessons Per Week",
	"Description",
	"Requirements",
	"Duration",
	"Price",
	"Price Value",
	"Currency",
	"Accommodations",
	"Additional Fees",
	"Terms",
}

// Row is one flattened price line: the school and location context repeated
// per course price, the way spreadsheet consumers expect it.
type Row struct {
	SchoolName     string
	City           string
	Country        string
	Address        string
	CourseName     string
	LessonsPerWeek int
	Description    string
	Requirements   string
	Duration       string
	Price          string
	PriceValue     *float64
	Currency       string
	Accommodations string
	AdditionalFees string
	Terms          string
}

// currencySymbols maps price-string symbols to ISO codes, in a fixed order
// so inference stays deterministic.
var currencySymbols = []struct {
	Symbol string
	Code   string
}{
	{"€", "EUR"},
	{"$", "USD"},
	{"£", "GBP"},
}

// Flatten turns the document into one row per course price. Courses without
// price entries still get a row; locations without courses get none.
func Flatten(school *schema.School) []Row {
	if school == nil {
		return nil
	}

	terms := formatMap(school.Terms)
	var rows []Row

	for _, loc := range school.Locations {
		accommodations := formatAccommodations(loc.Accommodations)
		fees := formatMap(loc.AdditionalFees)

		for _, course := range loc.Courses {
			base := Row{
				SchoolName:     school.Name,
				City:           loc.City,
				Country:        loc.Country,
				Address:        loc.Address,
				CourseName:     course.Name,
				LessonsPerWeek: course.LessonsPerWeek,
				Description:    course.Description,
				Requirements:   course.Requirements,
				Accommodations: accommodations,
				AdditionalFees: fees,
				Terms:          terms,
			}

			if len(course.Prices) == 0 {
				rows = append(rows, base)
				continue
			}

			for _, price := range course.Prices {
				row := base
				row.Duration = price.Duration
				row.Price = price.Price
				row.PriceValue = parsePriceValue(price.Price)
				row.Currency = price.Currency
				if row.Currency == "" {
					row.Currency = inferCurrency(price.Price)
				}
				rows = append(rows, row)
			}
		}
	}

	return rows
}

// strings renders the row in Header order.
func (r Row) strings() []string {
	lessons := ""
	if r.LessonsPerWeek > 0 {
		lessons = strconv.Itoa(r.LessonsPerWeek)
	}
	value := ""
	if r.PriceValue != nil {
		value = strconv.FormatFloat(*r.PriceValue, 'f', -1, 64)
	}
	return []string{
		r.SchoolName,
		r.City,
		r.Country,
		r.Address,
		r.CourseName,
		lessons,
		r.Description,
		r.Requirements,
		r.Duration,
		r.Price,
		value,
		r.Currency,
		r.Accommodations,
		r.AdditionalFees,
		r.Terms,
	}
}

// parsePriceValue extracts the numeric amount from a price string, or nil
// when the string carries more than symbols and digits.
func parsePriceValue(price string) *float64 {
	if price == "" {
		return nil
	}
	s := price
	for _, c := range currencySymbols {
		s = strings.ReplaceAll(s, c.Symbol, "")
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func inferCurrency(price string) string {
	for _, c := range currencySymbols {
		if strings.Contains(price, c.Symbol) {
			return c.Code
		}
	}
	return ""
}

// formatMap renders a key/value map as "k: v; k: v" with sorted keys.
func formatMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+m[k])
	}
	return strings.Join(parts, "; ")
}

func formatAccommodations(accs []schema.Accommodation) string {
	if len(accs) == 0 {
		return ""
	}

	parts := make([]string, 0, len(accs))
	for _, acc := range accs {
		typ := acc.Type
		if typ == "" {
			typ = "N/A"
		}
		detail := "Type: " + typ
		if acc.PricePerWeek != "" {
			detail += ", Price/week: " + acc.PricePerWeek
		}
		if acc.Description != "" {
			detail += ", Description: " + truncate(acc.Description, 200)
		}
		if len(acc.Supplements) > 0 {
			detail += ", Supplements: " + formatMap(acc.Supplements)
		}
		parts = append(parts, detail)
	}
	return strings.Join(parts, " | ")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
