package service

import "testing"

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"keeps newlines and tabs", "line one\n\tline two", "line one\n\tline two"},
		{"strips escape bytes", "safe\x1b[31mred\x1b[0m", "safe[31mred[0m"},
		{"strips null and delete", "a\x00b\x7fc", "abc"},
		{"unicode untouched", "café ☕", "café ☕"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeText(tc.in); got != tc.want {
				t.Fatalf("SanitizeText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
