package moderation

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercase", "Hello World", "hello world"},
		{"trim", "  hi there  ", "hi there"},
		{"collapse spaces", "a   b \t c", "a b c"},
		{"newlines", "line1\nline2", "line1 line2"},
		{"empty", "", ""},
		{"whitespace only", " \t\n ", ""},
		{"vietnamese", "  Chào Bạn  nhé ", "chào bạn nhé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeText(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
