/*Package calib reads and writes the lens calibration table for a light-sheet
microscope.

The table is a semicolon-delimited CSV resource keyed by (Wavelength, Zoom).
Each row stores the offset and amplitude to drive the left and right tunable
lenses with for that illumination and magnification:

	Objective;Wavelength;Zoom;Lens-Left-Offset;Lens-Left-Amp;Lens-Right-Offset;Lens-Right-Amp
	1x;488;1x;0.2;1.1;0.15;1.05

Columns beyond the known set are carried through untouched on save, so other
tools can annotate the table without this package destroying their work.
*/
package calib

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// column names of the calibration resource
const (
	ColObjective       = "Objective"
	ColWavelength      = "Wavelength"
	ColZoom            = "Zoom"
	ColLensLeftOffset  = "Lens-Left-Offset"
	ColLensLeftAmp     = "Lens-Left-Amp"
	ColLensRightOffset = "Lens-Right-Offset"
	ColLensRightAmp    = "Lens-Right-Amp"
)

// delimiter used by the calibration resource
const delimiter = ';'

// defaultHeader is the column order used when a table is built in memory
// rather than loaded from a file.
var defaultHeader = []string{
	ColObjective,
	ColWavelength,
	ColZoom,
	ColLensLeftOffset,
	ColLensLeftAmp,
	ColLensRightOffset,
	ColLensRightAmp,
}

// Entry is one row of the calibration table: the lens drive values for a
// given illumination wavelength and zoom level.
type Entry struct {
	Objective  string
	Wavelength string
	Zoom       string

	LensLeftOffset  float64
	LensLeftAmp     float64
	LensRightOffset float64
	LensRightAmp    float64

	// extra holds the values of columns this package does not know about,
	// keyed by column name, so they survive a load/save round trip.
	extra map[string]string
}

// Table is an ordered calibration table.  The zero value is an empty table
// with the default column layout.
type Table struct {
	header []string
	rows   []Entry
}

// New builds an in-memory table from entries, with the default column order.
func New(entries ...Entry) Table {
	return Table{header: append([]string(nil), defaultHeader...), rows: entries}
}

// Len returns the number of rows in the table.
func (t Table) Len() int {
	return len(t.rows)
}

// Lookup finds the entry for an exact (wavelength, zoom) pair.  ok is false
// when no row matches; missing rows are routine during instrument setup and
// callers are expected to keep their previous values.
func (t Table) Lookup(wavelength, zoom string) (Entry, bool) {
	for _, e := range t.rows {
		if e.Wavelength == wavelength && e.Zoom == zoom {
			return e, true
		}
	}
	return Entry{}, false
}

// Replace overwrites the row matching e's (Wavelength, Zoom) with e,
// preserving any unknown columns the old row carried.  It returns false and
// leaves the table unchanged when no row matches.
func (t *Table) Replace(e Entry) bool {
	for i, old := range t.rows {
		if old.Wavelength == e.Wavelength && old.Zoom == e.Zoom {
			e.extra = old.extra
			t.rows[i] = e
			return true
		}
	}
	return false
}

// Load parses the calibration resource at path.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = delimiter
	records, err := r.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("calib: parsing %s: %w", path, err)
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("calib: %s has no header row", path)
	}
	t := Table{header: records[0]}
	for i, rec := range records[1:] {
		e := Entry{}
		for j, col := range t.header {
			if j >= len(rec) {
				break
			}
			v := rec[j]
			var convErr error
			switch col {
			case ColObjective:
				e.Objective = v
			case ColWavelength:
				e.Wavelength = v
			case ColZoom:
				e.Zoom = v
			case ColLensLeftOffset:
				e.LensLeftOffset, convErr = strconv.ParseFloat(v, 64)
			case ColLensLeftAmp:
				e.LensLeftAmp, convErr = strconv.ParseFloat(v, 64)
			case ColLensRightOffset:
				e.LensRightOffset, convErr = strconv.ParseFloat(v, 64)
			case ColLensRightAmp:
				e.LensRightAmp, convErr = strconv.ParseFloat(v, 64)
			default:
				if e.extra == nil {
					e.extra = make(map[string]string)
				}
				e.extra[col] = v
			}
			if convErr != nil {
				return Table{}, fmt.Errorf("calib: %s row %d column %s: %w", path, i+2, col, convErr)
			}
		}
		t.rows = append(t.rows, e)
	}
	return t, nil
}

// Save rewrites the calibration resource at path with the table's contents.
// The write is atomic from the caller's perspective: the table is written to
// a temporary file in the same directory and renamed over the original, so a
// crash mid-write never corrupts the table.
func (t Table) Save(path string) error {
	header := t.header
	if len(header) == 0 {
		header = defaultHeader
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	w := csv.NewWriter(tmp)
	w.Comma = delimiter
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, e := range t.rows {
		rec := make([]string, len(header))
		for j, col := range header {
			switch col {
			case ColObjective:
				rec[j] = e.Objective
			case ColWavelength:
				rec[j] = e.Wavelength
			case ColZoom:
				rec[j] = e.Zoom
			case ColLensLeftOffset:
				rec[j] = formatFloat(e.LensLeftOffset)
			case ColLensLeftAmp:
				rec[j] = formatFloat(e.LensLeftAmp)
			case ColLensRightOffset:
				rec[j] = formatFloat(e.LensRightOffset)
			case ColLensRightAmp:
				rec[j] = formatFloat(e.LensRightAmp)
			default:
				rec[j] = e.extra[col]
			}
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'G', -1, 64)
}
