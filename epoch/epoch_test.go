package epoch

import (
	"math"
	"testing"
)

func Test_After(t *testing.T) {
	cases := []struct {
		a, b Epoch
		want bool
	}{
		{a: 2, b: 1, want: true},
		{a: 1, b: 2, want: false},
		{a: 1, b: 1, want: false},
		{a: Epoch(0), b: Epoch(math.MaxUint64), want: true},
		{a: Epoch(math.MaxUint64), b: Epoch(0), want: false},
	}
	for _, c := range cases {
		if got := After(c.a, c.b); got != c.want {
			t.Errorf("After(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func Test_EqualOrAfter(t *testing.T) {
	if !EqualOrAfter(5, 5) {
		t.Fatal("expected equal epochs to be equal-or-after")
	}
	if !EqualOrAfter(6, 5) {
		t.Fatal("expected later epoch to be equal-or-after")
	}
	if EqualOrAfter(4, 5) {
		t.Fatal("expected earlier epoch to not be equal-or-after")
	}
}

func Test_Next(t *testing.T) {
	if Next(5) != 6 {
		t.Fatalf("expected Next(5) == 6, got %d", Next(5))
	}
	if Next(Epoch(math.MaxUint64)) != 1 {
		t.Fatalf("expected Next(max) to skip Invalid, got %d", Next(Epoch(math.MaxUint64)))
	}
}
