package export

import (
	"encoding/csv"
	"io"

	"github.com/spherical-ai/prospectus-engine/internal/schema"
)

// WriteCSV writes the flattened document as UTF-8 CSV with a header row.
func WriteCSV(w io.Writer, school *schema.School) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, row := range Flatten(school) {
		if err := cw.Write(row.strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
