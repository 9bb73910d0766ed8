package settings

import (
	"testing"
	"time"
)

func TestCloneIsDeep(t *testing.T) {
	orig := Settings{
		"theme": "dark",
		"editor": Settings{
			"fontSize": 14,
		},
		"tags": []any{"a", "b"},
	}

	clone := orig.Clone()
	clone["theme"] = "light"
	clone["editor"].(Settings)["fontSize"] = 16
	clone["tags"].([]any)[0] = "z"

	if orig["theme"] != "dark" {
		t.Errorf("clone mutation leaked into original: theme = %v", orig["theme"])
	}
	if orig["editor"].(Settings)["fontSize"] != 14 {
		t.Errorf("clone mutation leaked into nested map")
	}
	if orig["tags"].([]any)[0] != "a" {
		t.Errorf("clone mutation leaked into slice")
	}
}

func TestMergeLaterWins(t *testing.T) {
	tests := []struct {
		name string
		dst  Settings
		src  Settings
		want Settings
	}{
		{
			name: "disjoint keys union",
			dst:  Settings{"a": 1},
			src:  Settings{"b": 2},
			want: Settings{"a": 1, "b": 2},
		},
		{
			name: "collision src wins",
			dst:  Settings{"a": 1},
			src:  Settings{"a": 2},
			want: Settings{"a": 2},
		},
		{
			name: "nested maps merge recursively",
			dst:  Settings{"ui": Settings{"theme": "dark", "zoom": 1}},
			src:  Settings{"ui": Settings{"zoom": 2}},
			want: Settings{"ui": Settings{"theme": "dark", "zoom": 2}},
		},
		{
			name: "type mismatch src overwrites",
			dst:  Settings{"ui": Settings{"theme": "dark"}},
			src:  Settings{"ui": "compact"},
			want: Settings{"ui": "compact"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.dst, tt.src)
			if !got.Equal(tt.want) {
				t.Errorf("Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergePreferDstKeepsLocalOnCollision(t *testing.T) {
	local := Settings{"theme": "dark", "zoom": 1}
	remote := Settings{"theme": "light", "lang": "en"}

	got := MergePreferDst(local, remote)

	want := Settings{"theme": "dark", "zoom": 1, "lang": "en"}
	if !got.Equal(want) {
		t.Errorf("MergePreferDst() = %v, want %v", got, want)
	}
}

func TestMergePreferDstTypeMismatchFallsBackToLocal(t *testing.T) {
	local := Settings{"ui": "compact"}
	remote := Settings{"ui": Settings{"theme": "light"}}

	got := MergePreferDst(local, remote)

	if got["ui"] != "compact" {
		t.Errorf("expected local value kept on type mismatch, got %v", got["ui"])
	}
}

func TestMergePreferDstDoesNotMutateInputs(t *testing.T) {
	local := Settings{"ui": Settings{"theme": "dark"}}
	remote := Settings{"ui": Settings{"zoom": 2}}

	_ = MergePreferDst(local, remote)

	if _, ok := local["ui"].(Settings)["zoom"]; ok {
		t.Errorf("MergePreferDst mutated local input")
	}
}

func TestTouchAndUpdatedAt(t *testing.T) {
	s := Settings{"theme": "dark"}
	if got := s.UpdatedAt(); got != 0 {
		t.Fatalf("expected 0 updatedAt before Touch, got %d", got)
	}

	now := time.Now()
	s.Touch(now)

	if got := s.UpdatedAt(); got != now.UnixMilli() {
		t.Errorf("UpdatedAt() = %d, want %d", got, now.UnixMilli())
	}
}

func TestUpdatedAtReadsDecodedJSONNumbers(t *testing.T) {
	// JSON decoding produces float64 and map[string]any.
	s := Settings{"metadata": map[string]any{"updatedAt": float64(1700000000000)}}
	if got := s.UpdatedAt(); got != 1700000000000 {
		t.Errorf("UpdatedAt() = %d, want 1700000000000", got)
	}
}
