// Package idlist reads case identifiers from a column of a csv or xlsx file.
package idlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/xuri/excelize/v2"
)

var ErrColumnNotFound = errors.New("column not found")

// Aliases are tried, in order, when the requested column is not present.
var Aliases = []string{"plan_number", "planNumber", "PlanNumber", "case_id", "caseId", "CaseId", "id", "ID"}

// Load reads the non-blank values of column from path. The file's extension
// selects the format, xlsx files are read from their first sheet.
func Load(path, column string) ([]string, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = readXlsx(path)
	default:
		rows, err = readCsv(path)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s has no header row", path)
	}

	header := rows[0]
	index, err := MatchColumn(header, column)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var ids []string
	for _, row := range rows[1:] {
		if index >= len(row) {
			continue
		}
		value := strings.TrimSpace(row[index])
		if value == "" {
			continue
		}
		ids = append(ids, value)
	}
	return ids, nil
}

func readCsv(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}

func readXlsx(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s has no sheets", path)
	}
	return f.GetRows(sheets[0])
}

// MatchColumn finds column in header: exactly, then ignoring case, then by
// trying each alias exactly.
func MatchColumn(header []string, column string) (int, error) {
	trimmed := make([]string, len(header))
	for i, h := range header {
		trimmed[i] = strings.TrimSpace(h)
	}

	for i, h := range trimmed {
		if h == column {
			return i, nil
		}
	}
	for i, h := range trimmed {
		if strings.EqualFold(h, column) {
			return i, nil
		}
	}
	for _, alias := range Aliases {
		for i, h := range trimmed {
			if h == alias {
				return i, nil
			}
		}
	}

	err := fmt.Errorf("%w: %q, available columns: %s", ErrColumnNotFound, column, strings.Join(trimmed, ", "))
	suggestion := closest(trimmed, column)
	if suggestion != "" {
		err = fmt.Errorf("%w (did you mean %q?)", err, suggestion)
	}
	return -1, err
}

func closest(candidates []string, target string) string {
	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		if c == "" {
			continue
		}
		score := matchr.JaroWinkler(strings.ToLower(c), strings.ToLower(target), false)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}
