package pipeline

import (
	"errors"
	"testing"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1h 30m", 90, false},
		{"1h30m", 90, false},
		{"2h 05m", 125, false},
		{"1.5h", 90, false},
		{"1.5", 90, false},
		{"0.25h", 15, false},
		{"90m", 90, false},
		{"90", 90, false},
		{"1h", 60, false},
		{"  45 \t", 45, false},
		{"1H 30M", 90, false},
		{"abc", 0, true},
		{"", 0, true},
		{"0", 0, true},
		{"0h 0m", 0, true},
		{"0m", 0, true},
		{"-5", 0, true},
		{"1h 30", 0, true},
		{"h30m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDuration) {
					t.Fatalf("ParseDuration(%q) err = %v, want ErrInvalidDuration", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
