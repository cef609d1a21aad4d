package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Add sums two images with saturation. U8 operands carry a zero high byte so
// the sum is formed at 16 bits before it saturates.
type Add struct {
	lifecycle
	format device.Format
	high   hw.Local
}

func NewAdd(f device.Format) *Add {
	return &Add{lifecycle: lifecycle{name: "add"}, format: f}
}

func (op *Add) Configure() (Config, error) {
	f := op.format
	if err := checkFormat(op.name, f, device.U8, device.I8, device.BF16); err != nil {
		return Config{}, err
	}
	p := scratch.Plan{Slots: 2, ShareIO: true, Inputs: 2, Outputs: 1, InElem: f.Size(), OutElem: f.Size()}
	if f == device.U8 {
		p.Persistent = 1
		p.PersistElem = 1
	}
	return op.configure(Config{Plan: p, InFormats: []device.Format{f, f}, OutFormats: []device.Format{f}})
}

func (op *Add) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	p := op.cfg.Plan
	b, err := slotLocals(sc, p, shape, op.format, op.format)
	if err != nil {
		return Binding{}, err
	}
	if p.Persistent > 0 {
		op.high, err = sc.Region(p.PersistRegion(shape.In, shape.Out, sc.Channels), shape.In, device.U8)
		if err != nil {
			return Binding{}, err
		}
		sc.Staging.Fill(op.high, 0)
	}
	return op.bind(b)
}

func (op *Add) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	a, b, out := op.binding.In[slot][0], op.binding.In[slot][1], op.binding.Out[slot][0]
	switch op.format {
	case device.BF16:
		rec.Issue(hw.Binary{Kind: hw.OpAdd, Dst: out, A: a, B: &b})
	case device.U8:
		high := op.high
		rec.Issue(hw.Add{Dst: out, A: a, AHigh: &high, B: b, BHigh: &high})
	default:
		rec.Issue(hw.Add{Dst: out, A: a, B: b})
	}
	return nil
}

// elementwise is the shared shape of single-instruction operators whose
// output overwrites the first input in place.
type elementwise struct {
	lifecycle
	inputs int
	in     device.Format
	out    device.Format
}

func (op *elementwise) configureElementwise() (Config, error) {
	p := scratch.Plan{
		Slots:   2,
		ShareIO: true,
		Inputs:  op.inputs,
		Outputs: 1,
		InElem:  op.in.Size(),
		OutElem: op.out.Size(),
	}
	ins := make([]device.Format, op.inputs)
	for i := range ins {
		ins[i] = op.in
	}
	return op.configure(Config{Plan: p, InFormats: ins, OutFormats: []device.Format{op.out}})
}

func (op *elementwise) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	b, err := slotLocals(sc, op.cfg.Plan, shape, op.in, op.out)
	if err != nil {
		return Binding{}, err
	}
	return op.bind(b)
}

// SubMode selects saturating or absolute difference.
type SubMode uint8

const (
	SubNormal SubMode = iota
	SubAbs
)

type Sub struct {
	elementwise
	mode SubMode
}

func NewSub(f device.Format, mode SubMode) *Sub {
	return &Sub{elementwise: elementwise{lifecycle: lifecycle{name: "sub"}, inputs: 2, in: f, out: f}, mode: mode}
}

func (op *Sub) Configure() (Config, error) {
	if err := checkFormat(op.name, op.in, device.U8, device.I8, device.I16, device.BF16); err != nil {
		return Config{}, err
	}
	if op.mode != SubNormal && op.mode != SubAbs {
		return Config{}, fmt.Errorf("sub: mode %d: %w", op.mode, ErrInvalidParam)
	}
	return op.configureElementwise()
}

func (op *Sub) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	kind := hw.OpSub
	if op.mode == SubAbs {
		kind = hw.OpAbsDiff
	}
	b := op.binding.In[slot][1]
	rec.Issue(hw.Binary{Kind: kind, Dst: op.binding.Out[slot][0], A: op.binding.In[slot][0], B: &b})
	return nil
}

// Logic is a bitwise And, Or or Xor of two U8 images.
type Logic struct {
	elementwise
	kind hw.BinaryOp
}

func NewLogic(kind hw.BinaryOp) *Logic {
	return &Logic{elementwise: elementwise{lifecycle: lifecycle{name: kind.String()}, inputs: 2, in: device.U8, out: device.U8}, kind: kind}
}

func (op *Logic) Configure() (Config, error) {
	switch op.kind {
	case hw.OpAnd, hw.OpOr, hw.OpXor:
	default:
		return Config{}, fmt.Errorf("logic: %s is not bitwise: %w", op.kind, ErrInvalidParam)
	}
	return op.configureElementwise()
}

func (op *Logic) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	b := op.binding.In[slot][1]
	rec.Issue(hw.Binary{Kind: op.kind, Dst: op.binding.Out[slot][0], A: op.binding.In[slot][0], B: &b})
	return nil
}

// Threshold maps pixels above Low to Max and the rest to Min.
type Threshold struct {
	elementwise
	low    float64
	minVal float64
	maxVal float64
}

func NewThreshold(f device.Format, low, minVal, maxVal float64) *Threshold {
	return &Threshold{
		elementwise: elementwise{lifecycle: lifecycle{name: "threshold"}, inputs: 1, in: f, out: f},
		low:         low,
		minVal:      minVal,
		maxVal:      maxVal,
	}
}

func (op *Threshold) Configure() (Config, error) {
	if err := checkFormat(op.name, op.in, device.U8, device.I8, device.U16, device.BF16); err != nil {
		return Config{}, err
	}
	lo, hi := op.in.Range()
	if op.minVal < lo || op.minVal > hi || op.maxVal < lo || op.maxVal > hi {
		return Config{}, fmt.Errorf("threshold: min %v max %v outside %s: %w", op.minVal, op.maxVal, op.in, ErrInvalidParam)
	}
	return op.configureElementwise()
}

func (op *Threshold) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	rec.Issue(hw.Threshold{Dst: op.binding.Out[slot][0], Src: op.binding.In[slot][0], Low: op.low, Min: op.minVal, Max: op.maxVal})
	return nil
}

// Copy moves an image through scratch, converting its element format with
// saturation. A same-format copy records no compute at all.
type Copy struct {
	elementwise
}

func NewCopy(in, out device.Format) *Copy {
	return &Copy{elementwise: elementwise{lifecycle: lifecycle{name: "copy"}, inputs: 1, in: in, out: out}}
}

func (op *Copy) Configure() (Config, error) {
	if !op.in.Valid() || !op.out.Valid() {
		return Config{}, errdefs.UnsupportedFormat(op.name, "%s to %s", op.in, op.out)
	}
	cfg, err := op.configureElementwise()
	if err != nil {
		return Config{}, err
	}
	if op.in != op.out {
		op.cfg.Plan.ShareIO = false
		cfg.Plan.ShareIO = false
	}
	return cfg, nil
}

func (op *Copy) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	if op.in != op.out {
		rec.Issue(hw.Convert{Dst: op.binding.Out[slot][0], Src: op.binding.In[slot][0]})
	}
	return nil
}
