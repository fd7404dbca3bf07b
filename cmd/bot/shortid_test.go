package main

import "testing"

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"long id truncated", "0192a3b4-5c6d-7e8f", "0192a3b4"},
		{"exactly eight kept", "12345678", "12345678"},
		{"short id kept", "abc", "abc"},
		{"empty id kept", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shortID(tt.in); got != tt.want {
				t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
