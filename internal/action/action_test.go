package action

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for i, l := range Classes() {
		idx, err := Encode(l)
		if err != nil {
			t.Fatalf("Encode(%v) error: %v", l, err)
		}
		if idx != i {
			t.Errorf("Encode(%v) = %d, want %d", l, idx, i)
		}
		back, err := Decode(idx)
		if err != nil {
			t.Fatalf("Decode(%d) error: %v", idx, err)
		}
		if back != l {
			t.Errorf("Decode(Encode(%v)) = %v", l, back)
		}
	}
}

func TestCanonicalOrder(t *testing.T) {
	want := []Label{
		{-1, -1}, {-1, 0}, {-1, 1},
		{0, -1}, {0, 0}, {0, 1},
		{1, -1}, {1, 0}, {1, 1},
	}
	got := Classes()
	if len(got) != len(want) {
		t.Fatalf("len(Classes()) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("class %d = %v, want %v", i, got[i], want[i])
		}
	}

	// mutating the returned slice must not affect the codec
	got[0] = Label{5, 5}
	if l, _ := Decode(0); l != want[0] {
		t.Errorf("Decode(0) = %v after mutating Classes() copy", l)
	}
}

func TestEncodeInvalid(t *testing.T) {
	tests := []Label{
		{2, 0}, {0, 2}, {-2, -1}, {1, -5}, {3, 3},
	}
	for _, l := range tests {
		if _, err := Encode(l); !errors.Is(err, ErrInvalidLabel) {
			t.Errorf("Encode(%v) error = %v, want ErrInvalidLabel", l, err)
		}
		if l.Valid() {
			t.Errorf("%v.Valid() = true", l)
		}
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, idx := range []int{-1, 9, 100} {
		l, err := Decode(idx)
		if !errors.Is(err, ErrInvalidLabel) {
			t.Errorf("Decode(%d) error = %v, want ErrInvalidLabel", idx, err)
		}
		if l != Neutral {
			t.Errorf("Decode(%d) = %v, want Neutral", idx, l)
		}
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{1.2, 1},
		{-1.5, -1},
		{0.3, 0},
		{-0.9, 0},
		{1.0, 1},
		{-1.0, -1},
		{0, 0},
		{0.9999, 0},
	}
	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAxisString(t *testing.T) {
	if Steer.String() != "steer" || Power.String() != "power" {
		t.Errorf("unexpected axis names %q %q", Steer, Power)
	}
	if Axis(7).String() != "axis(7)" {
		t.Errorf("Axis(7).String() = %q", Axis(7).String())
	}
}
