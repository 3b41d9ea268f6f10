// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// ScopeSummary holds the variable statistics of one model component.
type ScopeSummary struct {
	Scope                   string
	NumVariables, Trainable int
	NumParameters, Bytes    int64
}

// ScopeSummaries returns the statistics of the variables of each of AllScopes.
// Components whose variables were not yet created (see New) are reported with zero variables.
func (m *Model) ScopeSummaries() []ScopeSummary {
	summaries := make([]ScopeSummary, 0, len(AllScopes))
	for _, scope := range AllScopes {
		s := ScopeSummary{Scope: scope}
		for v := range m.ctx.InAbsPath(scopePath(scope)).IterVariablesInScope() {
			s.NumVariables++
			if v.Trainable {
				s.Trainable++
			}
			s.NumParameters += int64(v.Shape().Size())
			s.Bytes += int64(v.Shape().Memory())
		}
		summaries = append(summaries, s)
	}
	return summaries
}

func scopePath(scope string) string {
	return "/" + scope
}

// Summary renders a table with the variables of each component of the model.
func (m *Model) Summary() string {
	alignments := []lipgloss.Position{lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Center}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			return s.Align(alignments[min(col, len(alignments)-1)])
		}).
		Headers("Scope", "# Variables", "# Parameters", "Memory", "Trainable")
	var totalParams, totalBytes int64
	for _, s := range m.ScopeSummaries() {
		trainable := "-"
		switch {
		case s.NumVariables == 0:
		case s.Trainable == s.NumVariables:
			trainable = "yes"
		case s.Trainable == 0:
			trainable = "frozen"
		default:
			trainable = fmt.Sprintf("%d of %d", s.Trainable, s.NumVariables)
		}
		table.Row(s.Scope, humanize.Comma(int64(s.NumVariables)), humanize.Comma(s.NumParameters),
			humanize.Bytes(uint64(s.Bytes)), trainable)
		totalParams += s.NumParameters
		totalBytes += s.Bytes
	}
	table.Row("Total", "", humanize.Comma(totalParams), humanize.Bytes(uint64(totalBytes)), "")
	return table.Render()
}
