package cfgexport

import "fmt"

// LineKind is the type of a generated line.
type LineKind int

const (
	Assignment LineKind = iota
	BlockOpen
	BlockClose
)

var lineKindToString = map[LineKind]string{Assignment: "assignment", BlockOpen: "block-open", BlockClose: "block-close"}

func (k LineKind) String() string {
	if s, ok := lineKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", k)
}

// Line is one record of the generated file before rendering.
// Assignments inside a block carry the plugin as Scope.
type Line struct {
	Kind  LineKind
	Scope string
	Name  string
	Value string
}

// BuildLines turns filtered global and plugin entries into the ordered line
// sequence. Consecutive plugin entries with the same scope share one block.
// A block is closed only when the next plugin starts or the input ends.
func BuildLines(globals, plugins []ConfigEntry) []Line {
	lines := make([]Line, 0, len(globals)+len(plugins)+8)
	for _, e := range globals {
		lines = append(lines, Line{Kind: Assignment, Scope: CoreScope, Name: e.Name, Value: e.Value})
	}

	open := false
	current := ""
	for _, e := range plugins {
		if !open || e.Scope != current {
			if open {
				lines = append(lines, Line{Kind: BlockClose, Scope: current})
			}
			current = e.Scope
			open = true
			lines = append(lines, Line{Kind: BlockOpen, Scope: current})
		}
		lines = append(lines, Line{Kind: Assignment, Scope: current, Name: e.Name, Value: e.Value})
	}
	if open {
		lines = append(lines, Line{Kind: BlockClose, Scope: current})
	}
	return lines
}
