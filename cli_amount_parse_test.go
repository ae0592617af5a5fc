package main

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestParseAmount_BoundariesOverflowAndPrecision(t *testing.T) {
	maxWhole := uint64(math.MaxUint64) / Coin
	remainder := uint64(math.MaxUint64) % Coin

	type tc struct {
		in      string
		want    uint64
		wantErr string
	}

	tests := []tc{
		{in: "0", want: 0},
		{in: "1", want: 1 * Coin},
		{in: "1 NET", want: 1 * Coin},
		{in: "1.1", want: 1*Coin + 10_000_000},
		{in: "1.00000000", want: 1 * Coin},
		// Truncation (not rounding) beyond 8 decimals:
		{in: "1.000000009", want: 1 * Coin},
		{in: "0.000000009", want: 0},
		// Max whole that doesn't overflow multiplication:
		{in: fmt.Sprintf("%d", maxWhole), want: maxWhole * Coin},
		// Exact max uint64: maxWhole + remainder fractional.
		{in: fmt.Sprintf("%d.%08d", maxWhole, remainder), want: math.MaxUint64},
		// First overflowing whole (whole*Coin):
		{in: fmt.Sprintf("%d", maxWhole+1), wantErr: "amount too large"},
		// Overflow on result+frac (frac > remainder):
		{in: fmt.Sprintf("%d.%08d", maxWhole, remainder+1), wantErr: "amount too large"},
		{in: "1.2.3", wantErr: "invalid amount format"},
	}

	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr != "" {
			if err == nil {
				t.Fatalf("parseAmount(%q): expected error %q, got nil", tt.in, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("parseAmount(%q): unexpected error: %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseAmount(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parseAmount(%q): got %d, want %d", tt.in, got, tt.want)
		}
	}
}


func TestFormatAmount(t *testing.T) {
	tests := map[uint64]string{
		0:                 "0 NET",
		Coin:              "1 NET",
		5*Coin + 10000000: "5.1 NET",
		1:                 "0.00000001 NET",
	}
	for in, want := range tests {
		if got := formatAmount(in); got != want {
			t.Fatalf("formatAmount(%d): got %q, want %q", in, got, want)
		}
	}
}
