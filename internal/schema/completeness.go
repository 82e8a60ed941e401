package schema

import "fmt"

// MissingFields walks a school document and returns the paths of required
// fields that are empty. Entities that are absent entirely are not reported;
// only entities present with holes in them count. An empty slice means the
// document is structurally complete.
//
// lessons_per_week is not checked: a zero value is indistinguishable from an
// absent one after unmarshaling.
func MissingFields(s *School) []string {
	var missing []string

	if s == nil {
		return []string{"name", "locations"}
	}

	if s.Name == "" {
		missing = append(missing, "name")
	}

	for i, loc := range s.Locations {
		prefix := fmt.Sprintf("locations[%d]", i)
		if loc.City == "" {
			missing = append(missing, prefix+".city")
		}
		if loc.Country == "" {
			missing = append(missing, prefix+".country")
		}
		if loc.Address == "" {
			missing = append(missing, prefix+".address")
		}

		for j, c := range loc.Courses {
			cp := fmt.Sprintf("%s.courses[%d]", prefix, j)
			if c.Name == "" {
				missing = append(missing, cp+".name")
			}
			if c.Description == "" {
				missing = append(missing, cp+".description")
			}
			for k, p := range c.Prices {
				pp := fmt.Sprintf("%s.prices[%d]", cp, k)
				if p.Duration == "" {
					missing = append(missing, pp+".duration")
				}
				if p.Price == "" {
					missing = append(missing, pp+".price")
				}
				if p.Currency == "" {
					missing = append(missing, pp+".currency")
				}
			}
		}

		for j, a := range loc.Accommodations {
			ap := fmt.Sprintf("%s.accommodations[%d]", prefix, j)
			if a.Type == "" {
				missing = append(missing, ap+".type")
			}
			if a.PricePerWeek == "" {
				missing = append(missing, ap+".price_per_week")
			}
			if a.Description == "" {
				missing = append(missing, ap+".description")
			}
		}
	}

	return missing
}

// IsComplete reports whether the document has no missing required fields.
func IsComplete(s *School) bool {
	return len(MissingFields(s)) == 0
}
