package document

import (
	"strings"

	"github.com/ledongthuc/pdf"
)

// the text reader gives no run widths, so a run's extent is estimated
const (
	approxCharWidth = 5.0
	cellGap         = 12.0
)

type run struct {
	x    float64
	text string
}

type row struct {
	y    int64
	runs []run
}

func convertRows(rows pdf.Rows) []row {
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			continue
		}
		converted := row{y: r.Position}
		for _, t := range r.Content {
			if strings.TrimSpace(t.S) == "" {
				continue
			}
			converted.runs = append(converted.runs, run{x: t.X, text: t.S})
		}
		if len(converted.runs) > 0 {
			out = append(out, converted)
		}
	}
	return out
}

func (r row) line() string {
	return strings.Join(r.cells(), " ")
}

// cells merges runs that sit next to each other and splits where the gap
// between the estimated end of one run and the start of the next is wide.
func (r row) cells() []string {
	var cells []string
	var current strings.Builder
	end := 0.0
	for i, rn := range r.runs {
		gap := rn.x - end
		switch {
		case i > 0 && gap > cellGap:
			cells = append(cells, strings.TrimSpace(current.String()))
			current.Reset()
		case i > 0 && gap > approxCharWidth/2:
			current.WriteString(" ")
		}
		current.WriteString(rn.text)
		end = rn.x + float64(len([]rune(rn.text)))*approxCharWidth
	}
	if current.Len() > 0 {
		cells = append(cells, strings.TrimSpace(current.String()))
	}
	return cells
}

// detectTables groups every run of at least 2 consecutive rows that each hold
// at least 2 cells into a table.
func detectTables(rows []row) []Table {
	var tables []Table
	var current Table
	flush := func() {
		if len(current) >= 2 {
			tables = append(tables, current)
		}
		current = nil
	}

	for _, r := range rows {
		cells := r.cells()
		if len(cells) < 2 {
			flush()
			continue
		}
		current = append(current, cells)
	}
	flush()

	return tables
}
