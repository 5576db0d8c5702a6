package transport

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"hard cut", strings.Repeat("a", 25), 10, 3},
		{"runes", strings.Repeat("あ", 12), 5, 3},
		{"no limit", strings.Repeat("a", 25), 0, 1},
	}
	for _, tt := range tests {
		got := SplitText(tt.in, tt.limit)
		if len(got) != tt.want {
			t.Fatalf("%s: %d chunks, want %d", tt.name, len(got), tt.want)
		}
		if tt.limit > 0 {
			for _, c := range got {
				if utf8.RuneCountInString(c) > tt.limit {
					t.Fatalf("%s: chunk too long: %q", tt.name, c)
				}
			}
		}
	}
}

func TestSplitTextPrefersNewline(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := SplitText(in, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 6) || got[1] != strings.Repeat("b", 6) {
		t.Fatalf("got %q", got)
	}
}
