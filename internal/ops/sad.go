package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// SADMode selects the sum image, its thresholded map, or both.
type SADMode uint8

const (
	SADSum SADMode = iota
	SADBoth
	SADThreshold
)

func (m SADMode) String() string {
	switch m {
	case SADSum:
		return "sum"
	case SADBoth:
		return "both"
	case SADThreshold:
		return "threshold"
	default:
		return fmt.Sprintf("sad(%d)", uint8(m))
	}
}

// ParseSADMode accepts sum, both and threshold.
func ParseSADMode(s string) (SADMode, error) {
	for _, m := range []SADMode{SADSum, SADBoth, SADThreshold} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown sad mode %q: %w", s, ErrInvalidParam)
}

// SADOptions parameterise SAD. Every output has format Out. The threshold
// map holds Max where the sum exceeds Thr and Min elsewhere.
type SADOptions struct {
	Mode SADMode
	Out  device.Format
	Thr  float64
	Min  float64
	Max  float64
}

// SAD sums the absolute difference of two U8 images over a square window
// around each pixel. A window of even size n covers n/2-1 pixels before the
// centre and n/2 after it; pixels beyond the image contribute nothing.
type SAD struct {
	lifecycle
	window *Kernel
	opts   SADOptions

	pad       [4]int
	weights   hw.Local
	diff, sum hw.Local
}

func NewSAD(window *Kernel, opts SADOptions) *SAD {
	return &SAD{lifecycle: lifecycle{name: "sad"}, window: window, opts: opts}
}

func (op *SAD) Configure() (Config, error) {
	if err := checkKernel(op.name, op.window, 4, 8, 16); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name+" window", op.window.Image.Format(), device.I8); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name, op.opts.Out, device.U8, device.U16); err != nil {
		return Config{}, err
	}
	outputs := 1
	switch op.opts.Mode {
	case SADSum:
	case SADBoth:
		outputs = 2
	case SADThreshold:
	default:
		return Config{}, fmt.Errorf("sad: %s: %w", op.opts.Mode, ErrInvalidParam)
	}
	if op.opts.Mode != SADSum {
		lo, hi := op.opts.Out.Range()
		if op.opts.Min < lo || op.opts.Min > hi || op.opts.Max < lo || op.opts.Max > hi {
			return Config{}, fmt.Errorf("sad: min %v max %v outside %s: %w", op.opts.Min, op.opts.Max, op.opts.Out, ErrInvalidParam)
		}
	}

	n := op.window.Size
	before, after := (n-1)/2, n/2
	outs := make([]device.Format, outputs)
	for i := range outs {
		outs[i] = op.opts.Out
	}
	return op.configure(Config{
		Plan: scratch.Plan{
			Slots:       2,
			Inputs:      2,
			Outputs:     outputs,
			Temps:       2,
			Kernels:     1,
			KernelBytes: op.window.Bytes(),
			InElem:      1,
			OutElem:     op.opts.Out.Size(),
			TempElem:    device.U16.Size(),
		},
		Geometry:   tiling.Geometry{Pad: [4]int{before, after, before, after}, Mode: tiling.PadBoundaryOnly},
		InFormats:  []device.Format{device.U8, device.U8},
		OutFormats: outs,
	})
}

func (op *SAD) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	w, err := stageKernel(sc, "sad.window", op.window)
	if err != nil {
		return Binding{}, err
	}
	p := op.cfg.Plan
	b, err := slotLocals(sc, p, shape, device.U8, op.opts.Out)
	if err != nil {
		return Binding{}, err
	}
	size := p.TempRegion(shape.In, shape.Out, sc.Channels)
	diff, err := sc.Region(size, shape.In, device.U8)
	if err != nil {
		return Binding{}, err
	}
	sum, err := sc.Region(size, shape.Out, device.U16)
	if err != nil {
		return Binding{}, err
	}
	op.weights, op.diff, op.sum, op.pad = w, diff, sum, shape.Pad
	return op.bind(b)
}

func (op *SAD) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	a, b := op.binding.In[slot][0], op.binding.In[slot][1]
	out := op.binding.Out[slot]
	n := op.window.Size
	rec.Issue(hw.Binary{Kind: hw.OpAbsDiff, Dst: op.diff, A: a, B: &b})
	rec.Issue(hw.DepthwiseConv{Dst: op.sum, Src: op.diff, Weights: op.weights, KH: n, KW: n, Pad: op.pad})
	if op.opts.Mode != SADThreshold {
		rec.Issue(hw.Convert{Dst: out[0], Src: op.sum})
	}
	if op.opts.Mode != SADSum {
		rec.Issue(hw.Threshold{Dst: out[len(out)-1], Src: op.sum, Low: op.opts.Thr, Min: op.opts.Min, Max: op.opts.Max})
	}
	return nil
}
