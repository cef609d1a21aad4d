package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// MagAngMode selects which of magnitude and angle are written.
type MagAngMode uint8

const (
	MagAngBoth MagAngMode = iota
	MagAngMagnitude
	MagAngAngle
)

func (m MagAngMode) String() string {
	switch m {
	case MagAngBoth:
		return "both"
	case MagAngMagnitude:
		return "magnitude"
	case MagAngAngle:
		return "angle"
	default:
		return fmt.Sprintf("magang(%d)", uint8(m))
	}
}

// ParseMagAngMode accepts both, magnitude and angle.
func ParseMagAngMode(s string) (MagAngMode, error) {
	for _, m := range []MagAngMode{MagAngBoth, MagAngMagnitude, MagAngAngle} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown magnitude/angle mode %q: %w", s, ErrInvalidParam)
}

type MagAndAngOptions struct {
	Mode MagAngMode
	// NoNegative reports angles in [0, 360) instead of (-180, 180].
	NoNegative bool
	In         device.Format
	Out        device.Format
}

// MagAndAng turns a horizontal and a vertical gradient image into the L2
// magnitude and the direction in degrees. With MagAngBoth the magnitude is
// output 0 and the angle output 1.
type MagAndAng struct {
	lifecycle
	tables *SqrtTables
	opts   MagAndAngOptions

	exp, mant hw.Local
	temp      hw.Local
}

func NewMagAndAng(tables *SqrtTables, opts MagAndAngOptions) *MagAndAng {
	return &MagAndAng{lifecycle: lifecycle{name: "magang"}, tables: tables, opts: opts}
}

func (op *MagAndAng) magnitude() bool { return op.opts.Mode != MagAngAngle }

func (op *MagAndAng) angle() bool { return op.opts.Mode != MagAngMagnitude }

func (op *MagAndAng) Configure() (Config, error) {
	if op.opts.Mode > MagAngAngle {
		return Config{}, fmt.Errorf("magang: %s: %w", op.opts.Mode, ErrInvalidParam)
	}
	if err := checkFormat(op.name, op.opts.In, device.I16, device.BF16); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name, op.opts.Out, device.I16, device.BF16); err != nil {
		return Config{}, err
	}
	if op.magnitude() && (op.tables == nil || op.tables.Exp == nil || op.tables.Mant == nil) {
		return Config{}, fmt.Errorf("magang: magnitude needs square-root tables: %w", ErrInvalidParam)
	}

	outputs := 1
	if op.opts.Mode == MagAngBoth {
		outputs = 2
	}
	p := scratch.Plan{
		Slots:    2,
		Inputs:   2,
		Outputs:  outputs,
		InElem:   device.BF16.Size(),
		OutElem:  op.opts.Out.Size(),
		TempElem: device.BF16.Size(),
	}
	if op.magnitude() {
		p.Temps = 1
		p.Tables = 2
		p.TableBytes = TableBytes
	}
	outs := make([]device.Format, outputs)
	for i := range outs {
		outs[i] = op.opts.Out
	}
	return op.configure(Config{
		Plan:       p,
		InFormats:  []device.Format{op.opts.In, op.opts.In},
		OutFormats: outs,
	})
}

func (op *MagAndAng) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	var err error
	if op.magnitude() {
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
		if op.temp, err = sc.Region(p.TempRegion(shape.In, shape.Out, sc.Channels), shape.Out, device.BF16); err != nil {
			return Binding{}, err
		}
	}
	return op.bind(b)
}

func (op *MagAndAng) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	gx, gy := op.binding.In[slot][0], op.binding.In[slot][1]
	out := op.binding.Out[slot]
	if op.magnitude() {
		rec.Issue(hw.Binary{Kind: hw.OpMul, Dst: op.temp, A: gx, B: &gx})
		rec.Issue(hw.Binary{Kind: hw.OpMac, Dst: op.temp, A: gy, B: &gy})
		rec.Issue(hw.SqrtLUT{Dst: out[0], Src: op.temp, Exp: op.exp, Mant: op.mant})
	}
	if op.angle() {
		rec.Issue(hw.Atan2{Dst: out[len(out)-1], Y: gy, X: gx, NoNegative: op.opts.NoNegative})
	}
	return nil
}
