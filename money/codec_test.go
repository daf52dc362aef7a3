package money

import (
	"errors"
	"math/big"
	"testing"
)

func TestToMinor(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"$9.99", 9_990000},
		{"9.99", 9_990000},
		{"$100", 100_000000},
		{"0.000001", 1},
		{"$ 49.99", 49_990000},
		{"0.0000019", 1}, // truncated toward zero
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ToMinor(tc.in)
		if err != nil {
			t.Fatalf("ToMinor(%q): unexpected error %v", tc.in, err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("ToMinor(%q) = %s, want %d", tc.in, got, tc.want)
		}
	}
}

func TestToMinorInvalid(t *testing.T) {
	for _, in := range []string{"", "$", "abc", "$12.x", "1.2.3"} {
		if _, err := ToMinor(in); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ToMinor(%q): want ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestToDisplay(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{9_990000, "$9.99"},
		{100_000000, "$100.00"},
		{0, "$0.00"},
		{49_995000, "$49.99"}, // lossy two-decimal truncation
	}
	for _, tc := range cases {
		if got := ToDisplay(big.NewInt(tc.in)); got != tc.want {
			t.Fatalf("ToDisplay(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := ToDisplay(nil); got != "$0.00" {
		t.Fatalf("ToDisplay(nil) = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	// Amounts representable at two decimals survive a full round trip.
	for _, minor := range []int64{0, 10_000, 9_990000, 49_990000, 100_000000} {
		display := ToDisplay(big.NewInt(minor))
		back, err := ToMinor(display)
		if err != nil {
			t.Fatalf("ToMinor(%q): %v", display, err)
		}
		if back.Int64() != minor {
			t.Fatalf("round trip %d -> %q -> %d", minor, display, back.Int64())
		}
	}
}
