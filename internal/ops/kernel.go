package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
)

// Kernel is a square convolution mask replicated per channel, resident in
// device memory.
type Kernel struct {
	Image *device.Image
	Size  int
	Mask  []float64
}

var (
	SobelX = []float64{
		-1, 0, 1,
		-2, 0, 2,
		-1, 0, 1,
	}
	SobelY = []float64{
		-1, -2, -1,
		0, 0, 0,
		1, 2, 1,
	}
)

// NewKernel writes mask, a size×size row-major grid, once per channel into a
// new image of format f.
func NewKernel(a *device.Arena, channels int, mask []float64, f device.Format) (*Kernel, error) {
	size := int(math.Sqrt(float64(len(mask))))
	if size*size != len(mask) || size%2 == 0 {
		return nil, errdefs.ShapeMismatch("kernel", "mask of %d values is not an odd square", len(mask))
	}
	return newKernel(a, channels, size, mask, f)
}

// NewBoxKernel is a size×size I8 window of ones. Unlike NewKernel the size
// may be even.
func NewBoxKernel(a *device.Arena, channels, size int) (*Kernel, error) {
	if size < 1 {
		return nil, errdefs.ShapeMismatch("kernel", "box of size %d", size)
	}
	mask := make([]float64, size*size)
	for i := range mask {
		mask[i] = 1
	}
	return newKernel(a, channels, size, mask, device.I8)
}

func newKernel(a *device.Arena, channels, size int, mask []float64, f device.Format) (*Kernel, error) {
	if err := checkFormat("kernel", f, device.I8, device.BF16, device.F32); err != nil {
		return nil, err
	}
	lo, hi := f.Range()
	plane := make([]byte, len(mask)*f.Size())
	for i, v := range mask {
		if v < lo || v > hi {
			return nil, fmt.Errorf("kernel: weight %v outside %s: %w", v, f, ErrInvalidParam)
		}
		f.Encode(plane[i*f.Size():], v)
	}
	img, err := device.NewImage(a, device.ImageSpec{Kind: device.KindMulti, Channels: channels, Height: size, Width: size, Format: f}, nil)
	if err != nil {
		return nil, err
	}
	for c := range channels {
		if err := img.WritePlane(c, plane); err != nil {
			_ = img.Release()
			return nil, err
		}
	}
	return &Kernel{Image: img, Size: size, Mask: append([]float64(nil), mask...)}, nil
}

// Bytes is the staged footprint of the kernel in scratch.
func (k *Kernel) Bytes() int {
	return k.Image.Channels() * k.Size * k.Size * k.Image.Format().Size()
}

func (k *Kernel) Release() error {
	return k.Image.Release()
}

// SqrtTables are the two halves of a bfloat16 square-root lookup. Exp maps a
// biased exponent e to 2^floor((e-127)/2); Mant maps (parity<<7 | mantissa)
// to sqrt((1+mantissa/128) * 2^parity), where parity is 1 for even e.
type SqrtTables struct {
	Exp  *device.Image
	Mant *device.Image
}

const (
	tableRows  = 32
	tableCols  = 8
	TableBytes = tableRows * tableCols * 2
)

func NewSqrtTables(a *device.Arena) (*SqrtTables, error) {
	spec := device.ImageSpec{Kind: device.KindSingle, Channels: 1, Height: tableRows, Width: tableCols, Format: device.BF16}
	exp, err := device.NewImage(a, spec, nil)
	if err != nil {
		return nil, err
	}
	mant, err := device.NewImage(a, spec, nil)
	if err != nil {
		_ = exp.Release()
		return nil, err
	}
	e, m := sqrtTableValues()
	for _, t := range []struct {
		img    *device.Image
		values []float64
	}{{exp, e}, {mant, m}} {
		buf := make([]byte, TableBytes)
		for i, v := range t.values {
			device.BF16.Encode(buf[i*2:], v)
		}
		if err := t.img.WritePlane(0, buf); err != nil {
			_ = exp.Release()
			_ = mant.Release()
			return nil, err
		}
	}
	return &SqrtTables{Exp: exp, Mant: mant}, nil
}

func sqrtTableValues() (exp, mant []float64) {
	exp = make([]float64, 256)
	for e := 1; e < 255; e++ {
		exp[e] = math.Pow(2, math.Floor(float64(e-127)/2))
	}
	mant = make([]float64, 256)
	for i := range mant {
		parity, m := i>>7, i&0x7f
		mant[i] = math.Sqrt((1 + float64(m)/128) * math.Pow(2, float64(parity)))
	}
	return exp, mant
}

func (t *SqrtTables) Release() error {
	return errors.Join(t.Exp.Release(), t.Mant.Release())
}
