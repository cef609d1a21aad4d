package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/quant"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Filter convolves each channel with a 3×3 or 5×5 mask and divides by norm.
// Pixels beyond the image repeat the nearest edge pixel.
type Filter struct {
	lifecycle
	kernel *Kernel
	format device.Format
	norm   int
	scale  quant.Scale

	pad     [4]int
	weights hw.Local
}

func NewFilter(k *Kernel, f device.Format, norm int) *Filter {
	return &Filter{lifecycle: lifecycle{name: "filter"}, kernel: k, format: f, norm: norm}
}

func (op *Filter) Configure() (Config, error) {
	if err := checkKernel(op.name, op.kernel, 3, 5); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name, op.format, device.U8, device.BF16); err != nil {
		return Config{}, err
	}
	want := device.I8
	if op.format == device.BF16 {
		want = device.BF16
	}
	if err := checkFormat(op.name+" kernel", op.kernel.Image.Format(), want); err != nil {
		return Config{}, err
	}
	if op.norm < 1 || op.norm > 255 {
		return Config{}, fmt.Errorf("filter: norm %d: %w", op.norm, ErrInvalidParam)
	}
	scale, err := quant.QuantizeMultiplier(1 / float64(op.norm))
	if err != nil {
		return Config{}, err
	}
	op.scale = scale

	size := op.format.Size()
	pad := op.kernel.Size / 2
	return op.configure(Config{
		Plan: scratch.Plan{
			Slots:       2,
			Inputs:      1,
			Outputs:     1,
			Kernels:     1,
			KernelBytes: op.kernel.Bytes(),
			InElem:      size,
			OutElem:     size,
		},
		Geometry:   tiling.Geometry{Pad: [4]int{pad, pad, pad, pad}, Mode: tiling.PadBoundaryOnly},
		InFormats:  []device.Format{op.format},
		OutFormats: []device.Format{op.format},
	})
}

func (op *Filter) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	w, err := stageKernel(sc, "filter.mask", op.kernel)
	if err != nil {
		return Binding{}, err
	}
	b, err := slotLocals(sc, op.cfg.Plan, shape, op.format, op.format)
	if err != nil {
		return Binding{}, err
	}
	op.weights = w
	op.pad = shape.Pad
	return op.bind(b)
}

func (op *Filter) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	conv := hw.DepthwiseConv{
		Dst:       op.binding.Out[slot][0],
		Src:       op.binding.In[slot][0],
		Weights:   op.weights,
		KH:        op.kernel.Size,
		KW:        op.kernel.Size,
		Pad:       op.pad,
		Replicate: true,
	}
	if op.format == device.BF16 {
		conv.Multiplier = 1 / float64(op.norm)
	} else {
		conv.Scale = op.scale
	}
	rec.Issue(conv)
	return nil
}

// morphology is binary dilation or erosion of a 0/255 U8 image by a 0/1
// structuring mask. The mask is convolved into a 16-bit count of the set
// pixels under it, which a threshold turns back into 0 or 255.
type morphology struct {
	lifecycle
	kernel *Kernel
	erode  bool

	pad     [4]int
	weights hw.Local
	sum     hw.Local
	low     float64
}

// Dilate sets a pixel when any masked neighbour is set. Pixels beyond the
// image count as clear.
type Dilate struct{ morphology }

// Erode keeps a pixel only when every masked neighbour is set. Pixels beyond
// the image repeat the nearest edge pixel.
type Erode struct{ morphology }

func NewDilate(k *Kernel) *Dilate {
	return &Dilate{morphology{lifecycle: lifecycle{name: "dilate"}, kernel: k}}
}

func NewErode(k *Kernel) *Erode {
	return &Erode{morphology{lifecycle: lifecycle{name: "erode"}, kernel: k, erode: true}}
}

func (op *morphology) Configure() (Config, error) {
	if err := checkKernel(op.name, op.kernel, 3, 5); err != nil {
		return Config{}, err
	}
	if err := checkFormat(op.name+" kernel", op.kernel.Image.Format(), device.I8); err != nil {
		return Config{}, err
	}
	set := 0
	for _, v := range op.kernel.Mask {
		if v != 0 && v != 1 {
			return Config{}, fmt.Errorf("%s: mask value %v is not 0 or 1: %w", op.name, v, ErrInvalidParam)
		}
		if v == 1 {
			set++
		}
	}
	op.low = 0
	if op.erode {
		op.low = float64(255*set) - 1
	}
	pad := op.kernel.Size / 2
	return op.configure(Config{
		Plan: scratch.Plan{
			Slots:       2,
			Inputs:      1,
			Outputs:     1,
			Temps:       1,
			Kernels:     1,
			KernelBytes: op.kernel.Bytes(),
			InElem:      1,
			OutElem:     1,
			TempElem:    2,
		},
		Geometry:   tiling.Geometry{Pad: [4]int{pad, pad, pad, pad}, Mode: tiling.PadBoundaryOnly},
		InFormats:  []device.Format{device.U8},
		OutFormats: []device.Format{device.U8},
	})
}

func (op *morphology) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	w, err := stageKernel(sc, op.name+".mask", op.kernel)
	if err != nil {
		return Binding{}, err
	}
	p := op.cfg.Plan
	b, err := slotLocals(sc, p, shape, device.U8, device.U8)
	if err != nil {
		return Binding{}, err
	}
	sum, err := sc.Region(p.TempRegion(shape.In, shape.Out, sc.Channels), shape.Out, device.U16)
	if err != nil {
		return Binding{}, err
	}
	op.weights, op.sum, op.pad = w, sum, shape.Pad
	return op.bind(b)
}

func (op *morphology) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	rec.Issue(hw.DepthwiseConv{
		Dst:       op.sum,
		Src:       op.binding.In[slot][0],
		Weights:   op.weights,
		KH:        op.kernel.Size,
		KW:        op.kernel.Size,
		Pad:       op.pad,
		Replicate: op.erode,
	})
	rec.Issue(hw.Threshold{Dst: op.binding.Out[slot][0], Src: op.sum, Low: op.low, Min: 0, Max: 255})
	return nil
}

func checkKernel(op string, k *Kernel, sizes ...int) error {
	if k == nil || k.Image == nil {
		return fmt.Errorf("%s: missing kernel: %w", op, ErrInvalidParam)
	}
	for _, s := range sizes {
		if k.Size == s {
			return nil
		}
	}
	return errdefs.ShapeMismatch(op, "kernel size %d not in %v", k.Size, sizes)
}

func stageKernel(sc *SetupContext, name string, k *Kernel) (hw.Local, error) {
	if k.Image.Channels() != sc.Channels {
		return hw.Local{}, errdefs.ShapeMismatch("setup", "kernel %s has %d channels, image has %d", name, k.Image.Channels(), sc.Channels)
	}
	t, err := k.Image.Tensor()
	if err != nil {
		return hw.Local{}, err
	}
	return sc.Stage(name, t)
}
