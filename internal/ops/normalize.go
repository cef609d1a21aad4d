package ops

import (
	"fmt"
	"math"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Normalize stretches the value range [lo, hi] of an image linearly onto
// the full range of the output format, rounding to nearest. An image with
// lo == hi maps to the bottom of the output range. Pixels are scaled in
// float32 so 16-bit inputs keep their precision.
type Normalize struct {
	lifecycle
	in, out device.Format
	lo, hi  float64
	mul     float64
	add     float64
}

func NewNormalize(in, out device.Format, lo, hi float64) *Normalize {
	return &Normalize{lifecycle: lifecycle{name: "normalize"}, in: in, out: out, lo: lo, hi: hi}
}

func (op *Normalize) Configure() (Config, error) {
	if err := checkFormat(op.name, op.in, device.U8, device.I8, device.U16, device.I16, device.BF16, device.F32); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name, op.out, device.U8, device.I8, device.U16, device.I16); err != nil {
		return Config{}, err
	}
	if math.IsNaN(op.lo) || math.IsNaN(op.hi) || math.IsInf(op.lo, 0) || math.IsInf(op.hi, 0) || op.lo > op.hi {
		return Config{}, fmt.Errorf("normalize: range [%v, %v]: %w", op.lo, op.hi, ErrInvalidParam)
	}
	outLo, outHi := op.out.Range()
	op.mul, op.add = 0, outLo
	if op.hi > op.lo {
		op.mul = (outHi - outLo) / (op.hi - op.lo)
		op.add = outLo - op.lo*op.mul
	}
	return op.configure(Config{
		Plan: scratch.Plan{
			Slots:   2,
			Inputs:  1,
			Outputs: 1,
			InElem:  device.F32.Size(),
			OutElem: op.out.Size(),
		},
		InFormats:  []device.Format{op.in},
		OutFormats: []device.Format{op.out},
	})
}

func (op *Normalize) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	b, err := slotLocals(sc, op.cfg.Plan, shape, device.F32, op.out)
	if err != nil {
		return Binding{}, err
	}
	return op.bind(b)
}

func (op *Normalize) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	in := op.binding.In[slot][0]
	rec.Issue(hw.Binary{Kind: hw.OpMul, Dst: in, A: in, Const: op.mul})
	rec.Issue(hw.Binary{Kind: hw.OpAdd, Dst: in, A: in, Const: op.add})
	rec.Issue(hw.Convert{Dst: op.binding.Out[slot][0], Src: in})
	return nil
}

// Range is the smallest and largest value held in img. Every plane counts.
func Range(img *device.Image) (lo, hi float64, err error) {
	if img == nil {
		return 0, 0, fmt.Errorf("range: nil image: %w", ErrInvalidParam)
	}
	f := img.Format()
	if !f.Valid() {
		return 0, 0, errdefs.UnsupportedFormat("range", "%s", f)
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	es := f.Size()
	for p := range img.Planes() {
		data, err := img.ReadPlane(p)
		if err != nil {
			return 0, 0, err
		}
		for off := 0; off+es <= len(data); off += es {
			v := f.Decode(data[off:])
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	if lo > hi {
		return 0, 0, errdefs.ShapeMismatch("range", "image %s holds no pixels", img)
	}
	return lo, hi, nil
}
