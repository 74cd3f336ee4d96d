package cfgexport

import (
	"reflect"
	"testing"
)

func TestBuildLines(t *testing.T) {
	t.Run("two plugins", func(t *testing.T) {
		plugins := []ConfigEntry{
			{Scope: "p1", Name: "a", Value: "1"},
			{Scope: "p1", Name: "b", Value: "2"},
			{Scope: "p2", Name: "c", Value: "3"},
		}
		got := BuildLines(nil, plugins)
		want := []Line{
			{Kind: BlockOpen, Scope: "p1"},
			{Kind: Assignment, Scope: "p1", Name: "a", Value: "1"},
			{Kind: Assignment, Scope: "p1", Name: "b", Value: "2"},
			{Kind: BlockClose, Scope: "p1"},
			{Kind: BlockOpen, Scope: "p2"},
			{Kind: Assignment, Scope: "p2", Name: "c", Value: "3"},
			{Kind: BlockClose, Scope: "p2"},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("BuildLines() =\n%v\nwant\n%v", got, want)
		}
	})

	t.Run("no plugin rows means no block markers", func(t *testing.T) {
		got := BuildLines([]ConfigEntry{{Scope: CoreScope, Name: "x", Value: "1"}}, nil)
		want := []Line{{Kind: Assignment, Scope: CoreScope, Name: "x", Value: "1"}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("BuildLines() = %v, want %v", got, want)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := BuildLines(nil, nil); len(got) != 0 {
			t.Errorf("expected no lines, got %v", got)
		}
	})

	t.Run("globals precede blocks and blocks balance", func(t *testing.T) {
		globals := []ConfigEntry{{Scope: CoreScope, Name: "g1"}, {Scope: CoreScope, Name: "g2"}}
		plugins := []ConfigEntry{{Scope: "a", Name: "x"}, {Scope: "b", Name: "y"}, {Scope: "b", Name: "z"}, {Scope: "c", Name: "w"}}
		lines := BuildLines(globals, plugins)
		if lines[0].Kind != Assignment || lines[1].Kind != Assignment {
			t.Fatalf("expected globals first, got %v", lines[:2])
		}
		depth := 0
		for i, l := range lines {
			switch l.Kind {
			case BlockOpen:
				depth++
			case BlockClose:
				depth--
			}
			if depth < 0 || depth > 1 {
				t.Fatalf("unbalanced blocks at line %d: %v", i, lines)
			}
		}
		if depth != 0 {
			t.Errorf("block left open: %v", lines)
		}
	})
}
