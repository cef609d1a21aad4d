package device

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/ive/internal/errdefs"
)

func TestArenaFirstFitReuse(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 4096)

	h1, err := a.Alloc(1000)
	if err != nil {
		t.Fatalf("Alloc h1: %v", err)
	}
	h2, err := a.Alloc(1000)
	if err != nil {
		t.Fatalf("Alloc h2: %v", err)
	}
	p1, _ := a.PAddr(h1)
	if err := a.Release(h1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	h3, err := a.Alloc(500)
	if err != nil {
		t.Fatalf("Alloc h3: %v", err)
	}
	p3, _ := a.PAddr(h3)
	if p3 != p1 {
		t.Fatalf("expected first-fit to reuse the freed gap at %#x, got %#x", p1, p3)
	}
	p2, _ := a.PAddr(h2)
	if p2%placement != 0 {
		t.Fatalf("expected placement alignment, got %#x", p2)
	}
}

func TestArenaCapacityExceeded(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 1024)

	if _, err := a.Alloc(2048); !errors.Is(err, errdefs.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if _, err := a.Alloc(0); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for zero size, got %v", err)
	}
}

func TestArenaAllocZeroes(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 4096, WithHeap())

	h, err := a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, _ := a.Bytes(h)
	for i := range b {
		b[i] = 0xff
	}
	if err := a.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	h, err = a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, _ = a.Bytes(h)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, v)
		}
	}
	if a.Stats().Mapped {
		t.Fatal("heap arena must not report a mapping")
	}
}

func TestArenaAlignPolicyShiftsView(t *testing.T) {
	t.Parallel()
	a := newTestArena(t, 1<<16,
		WithAlign(SizeClassAlign{Bytes: 4096, MinSize: 4096}),
		WithBaseAddr(DefaultBaseAddr+0x100),
	)

	small, err := a.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc small: %v", err)
	}
	if p, _ := a.PAddr(small); p != DefaultBaseAddr+0x100 {
		t.Fatalf("small allocations are not aligned, got %#x", p)
	}
	big, err := a.Alloc(5000)
	if err != nil {
		t.Fatalf("Alloc big: %v", err)
	}
	p, _ := a.PAddr(big)
	if p%4096 != 0 {
		t.Fatalf("expected 4096-aligned paddr, got %#x", p)
	}
	if n, _ := a.Size(big); n != 5000 {
		t.Fatalf("expected usable size 5000, got %d", n)
	}
	if used := a.Stats().Used; used < 100+8192 {
		t.Fatalf("expected rounded reservation, used=%d", used)
	}
}

func TestArenaFlushCounting(t *testing.T) {
	t.Parallel()
	coherent := newTestArena(t, 4096)
	h, _ := coherent.Alloc(64)
	_ = coherent.Flush(h)
	_ = coherent.Invalidate(h)
	if s := coherent.Stats(); s.Flushes != 0 || s.Invalidates != 0 {
		t.Fatalf("coherent arena must not count maintenance, got %+v", s)
	}

	nc := newTestArena(t, 4096, WithCoherent(false))
	h, _ = nc.Alloc(64)
	_ = nc.Flush(h)
	_ = nc.Flush(h)
	_ = nc.Invalidate(h)
	if s := nc.Stats(); s.Flushes != 2 || s.Invalidates != 1 {
		t.Fatalf("expected 2 flushes and 1 invalidate, got %+v", s)
	}
	if err := nc.Flush(Handle(999)); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected unknown handle, got %v", err)
	}
}

func TestArenaClosed(t *testing.T) {
	t.Parallel()
	a, err := NewArena(4096)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Alloc(16); !errors.Is(err, ErrArenaClosed) {
		t.Fatalf("expected closed arena, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFormatCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		f    Format
		in   float64
		want float64
	}{
		{U8, 300, 255},
		{U8, -5, 0},
		{U8, 2.5, 2},
		{U8, 3.5, 4},
		{I8, -200, -128},
		{I8, 127.4, 127},
		{U16, 70000, 65535},
		{I16, -1.5, -2},
		{I32, math.NaN(), 0},
		{BF16, 1.5, 1.5},
		{BF16, -3, -3},
		{F16, 0.5, 0.5},
		{F32, 0.1, float64(float32(0.1))},
	}
	for _, tc := range tests {
		if got := tc.f.Round(tc.in); got != tc.want {
			t.Errorf("%s.Round(%v): expected %v, got %v", tc.f, tc.in, tc.want, got)
		}
	}
}

func TestBF16Precision(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{0.3, 123.456, 1e-3, 65504} {
		got := BF16.Round(v)
		if rel := math.Abs(got-v) / v; rel > 1.0/128 {
			t.Fatalf("bf16 %v -> %v: relative error %v", v, got, rel)
		}
	}
	if BF16Value(BF16Bits(2)) != 2 {
		t.Fatal("expected exact bf16 round trip for 2")
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for f := U8; f <= F32; f++ {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Fatalf("ParseFormat(%q): got %v, %v", f.String(), got, err)
		}
	}
	if got, _ := ParseFormat(" BF16 "); got != BF16 {
		t.Fatalf("expected case-insensitive parse, got %v", got)
	}
	if _, err := ParseFormat("invalid"); err == nil {
		t.Fatal("expected error for invalid")
	}
	if U8.Size() != 1 || BF16.Size() != 2 || F32.Size() != 4 || Invalid.Size() != 0 {
		t.Fatal("unexpected element sizes")
	}
}
