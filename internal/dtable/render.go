package dtable

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Render draws the table as a grid: one column per case, one row per
// condition (Y when the case requires true, blank when it requires false, -
// for don't-care), a spacer row, then one row per action (X when the case
// runs it).
func (t *Table[E]) Render() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	headers := make([]string, 0, len(t.cases)+1)
	headers = append(headers, "")
	for _, c := range t.cases {
		headers = append(headers, c.Name)
	}

	rows := make([][]string, 0, len(t.conditions)+len(t.actions)+1)
	for _, cond := range t.conditions {
		row := []string{cond.Name}
		for _, c := range t.cases {
			switch c.Entry(cond.Ordinal) {
			case True:
				row = append(row, "Y")
			case False:
				row = append(row, "")
			default:
				row = append(row, "-")
			}
		}
		rows = append(rows, row)
	}

	rows = append(rows, make([]string, len(t.cases)+1))

	for _, act := range t.actions {
		row := []string{act.Name}
		for _, c := range t.cases {
			cell := ""
			for _, a := range c.actions {
				if a == act.Ordinal {
					cell = "X"
					break
				}
			}
			row = append(row, cell)
		}
		rows = append(rows, row)
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style { return cell }).
		Headers(headers...).
		Rows(rows...).
		String()
}

func (t *Table[E]) String() string {
	return t.Render()
}
