package main

import (
	"testing"
)

// TestScriptArg tests the console-local script command matcher
func TestScriptArg(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		command string
		wantN   int
		wantOK  bool
	}{
		{
			name:    "peers with count",
			line:    "peers 3",
			command: "peers",
			wantN:   3,
			wantOK:  true,
		},
		{
			name:    "sleep with count",
			line:    "sleep 10",
			command: "sleep",
			wantN:   10,
			wantOK:  true,
		},
		{
			name:    "other command falls through",
			line:    "ping count 3",
			command: "peers",
			wantN:   0,
			wantOK:  false,
		},
		{
			name:    "bare name falls through",
			line:    "peers",
			command: "peers",
			wantN:   0,
			wantOK:  false,
		},
		{
			name:    "garbage count consumed but invalid",
			line:    "peers many",
			command: "peers",
			wantN:   0,
			wantOK:  true,
		},
		{
			name:    "zero count consumed but invalid",
			line:    "sleep 0",
			command: "sleep",
			wantN:   0,
			wantOK:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := scriptArg(tt.line, tt.command)
			if ok != tt.wantOK {
				t.Fatalf("scriptArg(%q, %q) ok = %v, want %v", tt.line, tt.command, ok, tt.wantOK)
			}
			if n != tt.wantN {
				t.Errorf("scriptArg(%q, %q) n = %d, want %d", tt.line, tt.command, n, tt.wantN)
			}
		})
	}
}
