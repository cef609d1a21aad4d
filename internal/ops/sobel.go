package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Magnitude selects how gradient magnitude is formed.
type Magnitude uint8

const (
	MagL1        Magnitude = iota // |gx| + |gy|
	MagChebyshev                  // max(|gx|, |gy|)
	MagL2                         // sqrt(gx² + gy²) by table lookup
)

func (m Magnitude) String() string {
	switch m {
	case MagL1:
		return "l1"
	case MagChebyshev:
		return "chebyshev"
	case MagL2:
		return "l2"
	default:
		return fmt.Sprintf("magnitude(%d)", uint8(m))
	}
}

// ParseMagnitude accepts l1, chebyshev and l2.
func ParseMagnitude(s string) (Magnitude, error) {
	for _, m := range []Magnitude{MagL1, MagChebyshev, MagL2} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown magnitude %q: %w", s, ErrInvalidParam)
}

// SobelMode selects a magnitude image or the two gradient images.
type SobelMode uint8

const (
	SobelMagnitude SobelMode = iota
	SobelGradients
)

type SobelOptions struct {
	Method Magnitude
	Mode   SobelMode
	In     device.Format
	Out    device.Format
}

// Sobel computes edge gradients in bfloat16. Both 3×3 kernels are staged
// once per invocation, as are the square-root tables for MagL2.
type Sobel struct {
	lifecycle
	kx, ky *Kernel
	tables *SqrtTables
	opts   SobelOptions

	pad          [4]int
	wx, wy       hw.Local
	exp, mant    hw.Local
	gx, gy, temp hw.Local
}

func NewSobel(kx, ky *Kernel, tables *SqrtTables, opts SobelOptions) *Sobel {
	return &Sobel{lifecycle: lifecycle{name: "sobel"}, kx: kx, ky: ky, tables: tables, opts: opts}
}

func (op *Sobel) magnitude() bool { return op.opts.Mode == SobelMagnitude }

func (op *Sobel) usesTables() bool { return op.magnitude() && op.opts.Method == MagL2 }

func (op *Sobel) Configure() (Config, error) {
	for _, k := range []*Kernel{op.kx, op.ky} {
		if err := checkKernel(op.name, k, 3); err != nil {
			return Config{}, err
		}
		if err := checkFormat(op.name+" kernel", k.Image.Format(), device.BF16); err != nil {
			return Config{}, err
		}
	}
	if err := checkFormat(op.name, op.opts.In, device.U8, device.BF16); err != nil {
		return Config{}, err
	}
	outputs := 1
	switch op.opts.Mode {
	case SobelMagnitude:
		if err := checkFormat(op.name, op.opts.Out, device.U8, device.U16, device.BF16); err != nil {
			return Config{}, err
		}
		if op.opts.Method > MagL2 {
			return Config{}, fmt.Errorf("sobel: %s: %w", op.opts.Method, ErrInvalidParam)
		}
	case SobelGradients:
		if err := checkFormat(op.name, op.opts.Out, device.I16, device.BF16); err != nil {
			return Config{}, err
		}
		outputs = 2
	default:
		return Config{}, fmt.Errorf("sobel: mode %d: %w", op.opts.Mode, ErrInvalidParam)
	}
	if op.usesTables() && (op.tables == nil || op.tables.Exp == nil || op.tables.Mant == nil) {
		return Config{}, fmt.Errorf("sobel: l2 magnitude needs square-root tables: %w", ErrInvalidParam)
	}

	p := scratch.Plan{
		Slots:       2,
		Inputs:      1,
		Outputs:     outputs,
		Kernels:     2,
		KernelBytes: op.kx.Bytes(),
		InElem:      device.BF16.Size(),
		OutElem:     op.opts.Out.Size(),
		TempElem:    device.BF16.Size(),
	}
	if op.magnitude() {
		p.Temps = 3
	}
	if op.usesTables() {
		p.Tables = 2
		p.TableBytes = TableBytes
	}
	outs := make([]device.Format, outputs)
	for i := range outs {
		outs[i] = op.opts.Out
	}
	return op.configure(Config{
		Plan:       p,
		Geometry:   tiling.Geometry{Pad: [4]int{1, 1, 1, 1}, Mode: tiling.PadBoundaryOnly},
		InFormats:  []device.Format{op.opts.In},
		OutFormats: outs,
	})
}

func (op *Sobel) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	var err error
	if op.wx, err = stageKernel(sc, "sobel.x", op.kx); err != nil {
		return Binding{}, err
	}
	if op.wy, err = stageKernel(sc, "sobel.y", op.ky); err != nil {
		return Binding{}, err
	}
	if op.usesTables() {
		if op.exp, err = stageTable(sc, "sqrt.exp", op.tables.Exp); err != nil {
			return Binding{}, err
		}
		if op.mant, err = stageTable(sc, "sqrt.mant", op.tables.Mant); err != nil {
			return Binding{}, err
		}
	}
	p := op.cfg.Plan
	b, err := slotLocals(sc, p, shape, device.BF16, op.opts.Out)
	if err != nil {
		return Binding{}, err
	}
	if op.magnitude() {
		size := p.TempRegion(shape.In, shape.Out, sc.Channels)
		for _, t := range []*hw.Local{&op.gx, &op.gy, &op.temp} {
			if *t, err = sc.Region(size, shape.Out, device.BF16); err != nil {
				return Binding{}, err
			}
		}
	}
	op.pad = shape.Pad
	return op.bind(b)
}

func (op *Sobel) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	in, out := op.binding.In[slot][0], op.binding.Out[slot]
	conv := func(dst, w hw.Local) {
		rec.Issue(hw.DepthwiseConv{Dst: dst, Src: in, Weights: w, KH: 3, KW: 3, Pad: op.pad})
	}
	if !op.magnitude() {
		conv(out[0], op.wx)
		conv(out[1], op.wy)
		return nil
	}

	gx, gy, temp := op.gx, op.gy, op.temp
	conv(gx, op.wx)
	conv(gy, op.wy)
	switch op.opts.Method {
	case MagL2:
		rec.Issue(hw.Binary{Kind: hw.OpMul, Dst: temp, A: gx, B: &gx})
		rec.Issue(hw.Binary{Kind: hw.OpMac, Dst: temp, A: gy, B: &gy})
		rec.Issue(hw.SqrtLUT{Dst: out[0], Src: temp, Exp: op.exp, Mant: op.mant})
	default:
		abs(rec, gx, temp)
		abs(rec, gy, temp)
		kind := hw.OpAdd
		if op.opts.Method == MagChebyshev {
			kind = hw.OpMax
		}
		rec.Issue(hw.Binary{Kind: kind, Dst: out[0], A: gx, B: &gy})
	}
	return nil
}

// abs replaces x with |x| as max(x, -x), using temp for -x.
func abs(rec hw.Recorder, x, temp hw.Local) {
	rec.Issue(hw.Binary{Kind: hw.OpMul, Dst: temp, A: x, Const: -1})
	rec.Issue(hw.Binary{Kind: hw.OpMax, Dst: x, A: x, B: &temp})
}

func stageTable(sc *SetupContext, name string, img *device.Image) (hw.Local, error) {
	t, err := img.Tensor()
	if err != nil {
		return hw.Local{}, err
	}
	return sc.Stage(name, t)
}
