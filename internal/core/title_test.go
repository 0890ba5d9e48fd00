package core

import "testing"

func TestScanTerminalTitle(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		want  string
		found bool
	}{
		{"osc0 bel", "\x1b]0;my title\x07", "my title", true},
		{"osc2 bel", "\x1b]2;window\x07", "window", true},
		{"osc0 st", "\x1b]0;via st\x1b\\", "via st", true},
		{"embedded in output", "prompt$ ls\r\n\x1b]0;~/code\x07total 4", "~/code", true},
		{"last one wins", "\x1b]0;first\x07\x1b]2;second\x07", "second", true},
		{"unterminated", "\x1b]0;never ends", "", false},
		{"osc1 ignored", "\x1b]1;icon\x07", "", false},
		{"plain output", "hello world\r\n", "", false},
		{"empty title", "\x1b]0;\x07", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := scanTerminalTitle([]byte(tt.data))
			if found != tt.found {
				t.Fatalf("found=%v, want %v", found, tt.found)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
