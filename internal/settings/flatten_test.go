package settings

import (
	"strings"
	"testing"
)

func TestFlattenJoinsAndUppercasesKeys(t *testing.T) {
	s := Settings{
		"theme": "dark",
		"editor": Settings{
			"fontSize": 14,
			"autosave": true,
		},
	}

	got := Flatten(s)

	want := "EDITOR_AUTOSAVE=true\nEDITOR_FONTSIZE=14\nTHEME=dark\n"
	if got != want {
		t.Errorf("Flatten() = %q, want %q", got, want)
	}
}

func TestUnflattenGuessesTypes(t *testing.T) {
	tests := []struct {
		value string
		want  any
	}{
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.5", 3.5},
		{"dark", "dark"},
		{"3.5.1", "3.5.1"}, // fails every parse, kept verbatim
	}

	for _, tt := range tests {
		got := Unflatten("KEY=" + tt.value)
		if got["KEY"] != tt.want {
			t.Errorf("Unflatten(KEY=%s) = %v (%T), want %v (%T)",
				tt.value, got["KEY"], got["KEY"], tt.want, tt.want)
		}
	}
}

func TestUnflattenSkipsCommentsAndBlanks(t *testing.T) {
	text := strings.Join([]string{
		"# generated",
		"",
		"THEME=dark",
		"not a pair",
		"ZOOM=2",
	}, "\n")

	got := Unflatten(text)

	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(got), got)
	}
	if got["THEME"] != "dark" || got["ZOOM"] != int64(2) {
		t.Errorf("unexpected parse result: %v", got)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	s := Settings{"editor": Settings{"fontSize": 14}, "theme": "dark"}

	back := Unflatten(Flatten(s))

	// Nesting is not reconstructed; keys stay flattened.
	if back["EDITOR_FONTSIZE"] != int64(14) {
		t.Errorf("EDITOR_FONTSIZE = %v", back["EDITOR_FONTSIZE"])
	}
	if back["THEME"] != "dark" {
		t.Errorf("THEME = %v", back["THEME"])
	}
}
