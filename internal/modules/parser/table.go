package parser

import "strings"

// topBorderPattern is the start of a statistics table's top border.
const topBorderPattern = "┌─"

// tableStyle describes one family of bordered tables.
type tableStyle struct {
	name       string
	isTop      func(trimmed string) bool
	isBottom   func(trimmed string) bool
	isRule     func(trimmed string) bool
	separators string
}

var tableStyles = []tableStyle{
	{
		name:     "box",
		isTop:    func(s string) bool { return strings.HasPrefix(s, "┌") },
		isBottom: func(s string) bool { return strings.HasPrefix(s, "└") },
		isRule: func(s string) bool {
			return strings.HasPrefix(s, "├") || strings.Trim(s, "─┼┬┴┤├ ") == ""
		},
		separators: "│",
	},
	{
		// +----+----+ bordered tables: the border and rule rows look the
		// same, so the table ends at the first line that is neither.
		// Only metrics are taken from them; they do not mark success.
		name:       "ascii",
		isTop:      func(s string) bool { return strings.HasPrefix(s, "+-") },
		isBottom:   func(s string) bool { return !strings.HasPrefix(s, "+") && !strings.HasPrefix(s, "|") },
		isRule:     func(s string) bool { return strings.HasPrefix(s, "+") },
		separators: "|",
	},
}

// tablePass pairs the cells of every table row as (name, value).
func tablePass(lines []string, metrics map[string]string) {
	var active *tableStyle

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if active != nil && active.isBottom(trimmed) {
			ended := active
			active = nil
			if ended.name == "box" {
				continue
			}
			// an ascii table ends on the first foreign line, which may
			// itself open the next table
		}

		if active == nil {
			for i := range tableStyles {
				if tableStyles[i].isTop(trimmed) {
					active = &tableStyles[i]
					break
				}
			}
			continue
		}

		if active.isRule(trimmed) || !strings.ContainsAny(trimmed, active.separators) {
			continue
		}

		cells := splitCells(trimmed, active.separators)
		for i := 0; i+1 < len(cells); i += 2 {
			metrics[cells[i]] = cells[i+1]
		}
	}
}

func splitCells(row, separators string) []string {
	parts := strings.FieldsFunc(row, func(r rune) bool {
		return strings.ContainsRune(separators, r)
	})
	cells := make([]string, 0, len(parts))
	for _, part := range parts {
		if cell := strings.TrimSpace(part); cell != "" {
			cells = append(cells, cell)
		}
	}
	return cells
}
