// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	emphasisStyle = lipgloss.NewStyle().Bold(true)

	headerStyle    = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	fadedCellStyle = cellStyle.Faint(true)
	lowCellStyle   = cellStyle.Bold(true).Foreground(lipgloss.Color("9"))
)

// resultsTable renders rows with alternating shades; rows added with Low are highlighted.
type resultsTable struct {
	*lgtable.Table
	numRows int
	low     map[int]bool
}

// newTable returns a bordered table whose columns take the given alignments, the last one
// repeated for the remaining columns (left if none given).
func newTable(alignments ...lipgloss.Position) *resultsTable {
	t := &resultsTable{low: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			style := cellStyle
			switch {
			case t.low[row]:
				style = lowCellStyle
			case row%2 == 1:
				style = fadedCellStyle
			}
			return style.Align(columnAlignment(alignments, col))
		})
	return t
}

func columnAlignment(alignments []lipgloss.Position, col int) lipgloss.Position {
	switch {
	case len(alignments) == 0:
		return lipgloss.Left
	case col < len(alignments):
		return alignments[col]
	}
	return alignments[len(alignments)-1]
}

// Row appends a row.
func (t *resultsTable) Row(cells ...string) *resultsTable {
	t.Table.Row(cells...)
	t.numRows++
	return t
}

// Low appends a highlighted row if low is true, a regular one otherwise.
func (t *resultsTable) Low(low bool, cells ...string) *resultsTable {
	if low {
		t.low[t.numRows] = true
	}
	return t.Row(cells...)
}
