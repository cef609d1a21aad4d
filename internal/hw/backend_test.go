package hw

import (
	"testing"

	"github.com/samcharles93/ive/internal/device"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: Auto},
		{in: " SIM ", want: Sim},
		{in: "auto", want: Auto},
		{in: "cuda", wantErr: true},
	}
	for _, tc := range tests {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Normalize(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Normalize(%q) = %q, %v; expected %q", tc.in, got, err, tc.want)
		}
	}
}

func TestLocalAddressing(t *testing.T) {
	t.Parallel()

	l := Local{Addr: 100, C: 3, H: 4, W: 5, Format: device.BF16}
	if l.Len() != 60 || l.Bytes() != 120 {
		t.Fatalf("expected 60 elements in 120 bytes, got %d and %d", l.Len(), l.Bytes())
	}
	if got := l.At(2, 3, 4); got != 100+59*2 {
		t.Fatalf("expected last element at %d, got %d", 100+59*2, got)
	}
	ch := l.Channel(1)
	if ch.Addr != 140 || ch.C != 1 || ch.At(0, 0, 0) != l.At(1, 0, 0) {
		t.Fatalf("unexpected channel view %s", ch)
	}
	if !l.SameShape(Local{C: 3, H: 4, W: 5, Format: device.U8}) || l.SameShape(ch) {
		t.Fatal("SameShape compares dimensions only")
	}
}

func TestBinaryOpNames(t *testing.T) {
	t.Parallel()

	if got := (Binary{Kind: OpAbsDiff}).Op(); got != "absdiff" {
		t.Fatalf("expected absdiff, got %q", got)
	}
	if got := BinaryOp(200).String(); got != "binary" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}
