package ive

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/ops"
	"github.com/samcharles93/ive/internal/pipeline"
	"github.com/samcharles93/ive/internal/tiling"
)

// OpNames lists the operators reachable by name.
var OpNames = []string{"add", "sub", "and", "or", "xor", "threshold", "filter", "dilate", "erode", "sobel", "magang", "sad", "block", "copy"}

// Params parameterises an operator selected by name. Fields an operator does
// not use are ignored.
type Params struct {
	// Mode is normal or abs for sub, magnitude or gradients for sobel, both,
	// magnitude or angle for magang, sum, both or threshold for sad and
	// normalize for copy.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Magnitude is l1, chebyshev or l2.
	Magnitude string    `json:"magnitude,omitempty" yaml:"magnitude,omitempty"`
	// Low is also the sad threshold.
	Low       float64   `json:"low,omitempty" yaml:"low,omitempty"`
	Min       float64   `json:"min,omitempty" yaml:"min,omitempty"`
	Max       float64   `json:"max,omitempty" yaml:"max,omitempty"`
	Mask      []float64 `json:"mask,omitempty" yaml:"mask,omitempty"`
	Norm      int       `json:"norm,omitempty" yaml:"norm,omitempty"`
	Cell      int       `json:"cell,omitempty" yaml:"cell,omitempty"`
	OutFormat string    `json:"out_format,omitempty" yaml:"out_format,omitempty"`
	// Window is the sad window, 4, 8 or 16.
	Window     int  `json:"window,omitempty" yaml:"window,omitempty"`
	NoNegative bool `json:"no_negative,omitempty" yaml:"no_negative,omitempty"`
}

// Shape is the image interface of a named operator for one input size.
type Shape struct {
	Inputs    int    `json:"inputs"`
	Outputs   int    `json:"outputs"`
	OutFormat Format `json:"-"`
	OutWidth  int    `json:"out_width"`
	OutHeight int    `json:"out_height"`
}

// Describe reports how many images a named operator takes and what it
// produces from width×height inputs of format in.
func Describe(name string, p Params, in Format, width, height int) (Shape, error) {
	name = strings.ToLower(name)
	if !slices.Contains(OpNames, name) {
		return Shape{}, fmt.Errorf("unknown operator %q: %w", name, ops.ErrInvalidParam)
	}
	s := Shape{Inputs: 1, Outputs: 1, OutFormat: in, OutWidth: width, OutHeight: height}
	switch name {
	case "add", "sub", "and", "or", "xor":
		s.Inputs = 2
	case "magang":
		s.Inputs, s.OutFormat = 2, device.BF16
		if p.Mode == "" || p.Mode == "both" {
			s.Outputs = 2
		}
	case "sad":
		s.Inputs, s.OutFormat = 2, device.U16
		if p.Mode == "both" {
			s.Outputs = 2
		}
	case "block":
		if p.Cell < 1 {
			return Shape{}, fmt.Errorf("block: cell %d: %w", p.Cell, ops.ErrInvalidParam)
		}
		s.OutWidth, s.OutHeight = width/p.Cell, height/p.Cell
	case "sobel":
		s.OutFormat = device.BF16
		if p.Mode == "gradients" {
			s.Outputs = 2
		}
	}
	if p.OutFormat != "" && slices.Contains([]string{"copy", "sobel", "magang", "sad"}, name) {
		f, err := device.ParseFormat(p.OutFormat)
		if err != nil {
			return Shape{}, errdefs.UnsupportedFormat(name, "%v", err)
		}
		s.OutFormat = f
	}
	return s, nil
}

// build constructs a named operator for inputs of format in with the given
// channel count. release frees anything staged for it. src is the first
// input when there is one; copy in normalize mode reads its range.
func (h *Handle) build(name string, p Params, in Format, channels int, src *Image) (ops.Operator, func() error, error) {
	nop := func() error { return nil }
	s, err := Describe(name, p, in, 1, 1)
	if err != nil {
		return nil, nil, err
	}
	name = strings.ToLower(name)
	switch name {
	case "add":
		return ops.NewAdd(in), nop, nil
	case "sub":
		mode := ops.SubNormal
		switch p.Mode {
		case "", "normal":
		case "abs":
			mode = ops.SubAbs
		default:
			return nil, nil, fmt.Errorf("sub: mode %q: %w", p.Mode, ops.ErrInvalidParam)
		}
		return ops.NewSub(in, mode), nop, nil
	case "and":
		return ops.NewLogic(hw.OpAnd), nop, nil
	case "or":
		return ops.NewLogic(hw.OpOr), nop, nil
	case "xor":
		return ops.NewLogic(hw.OpXor), nop, nil
	case "threshold":
		return ops.NewThreshold(in, p.Low, p.Min, p.Max), nop, nil
	case "block":
		return ops.NewBlock(p.Cell, in), nop, nil
	case "copy":
		switch p.Mode {
		case "":
			return ops.NewCopy(in, s.OutFormat), nop, nil
		case "normalize":
			lo, hi := 0.0, 1.0
			if src != nil {
				if lo, hi, err = h.imageRange(src); err != nil {
					return nil, nil, err
				}
			}
			return ops.NewNormalize(in, s.OutFormat, lo, hi), nop, nil
		default:
			return nil, nil, fmt.Errorf("copy: mode %q: %w", p.Mode, ops.ErrInvalidParam)
		}
	case "filter":
		k, err := h.kernel(channels, p.Mask, filterKernelFormat(in))
		if err != nil {
			return nil, nil, err
		}
		return ops.NewFilter(k, in, p.Norm), k.Release, nil
	case "dilate":
		k, err := h.kernel(channels, p.Mask, device.I8)
		if err != nil {
			return nil, nil, err
		}
		return ops.NewDilate(k), k.Release, nil
	case "erode":
		k, err := h.kernel(channels, p.Mask, device.I8)
		if err != nil {
			return nil, nil, err
		}
		return ops.NewErode(k), k.Release, nil
	case "magang":
		opts := ops.MagAndAngOptions{NoNegative: p.NoNegative, In: in, Out: s.OutFormat}
		if p.Mode != "" {
			if opts.Mode, err = ops.ParseMagAngMode(p.Mode); err != nil {
				return nil, nil, err
			}
		}
		return h.magAndAng(opts)
	case "sad":
		opts := ops.SADOptions{Out: s.OutFormat, Thr: p.Low, Min: p.Min, Max: p.Max}
		if p.Mode != "" {
			if opts.Mode, err = ops.ParseSADMode(p.Mode); err != nil {
				return nil, nil, err
			}
		}
		k, err := h.boxKernel(channels, p.Window)
		if err != nil {
			return nil, nil, err
		}
		return ops.NewSAD(k, opts), k.Release, nil
	}

	opts := ops.SobelOptions{In: in, Out: s.OutFormat}
	switch p.Mode {
	case "", "magnitude":
	case "gradients":
		opts.Mode = ops.SobelGradients
	default:
		return nil, nil, fmt.Errorf("sobel: mode %q: %w", p.Mode, ops.ErrInvalidParam)
	}
	if p.Magnitude != "" {
		if opts.Method, err = ops.ParseMagnitude(p.Magnitude); err != nil {
			return nil, nil, err
		}
	}
	return h.sobel(channels, opts)
}

// Do runs a named operator. It is the entry point of the CLI and the HTTP
// surface.
func (h *Handle) Do(ctx context.Context, name string, p Params, inputs, outputs []*Image) (*pipeline.Invocation, error) {
	if len(inputs) == 0 || inputs[0] == nil {
		return nil, errdefs.ShapeMismatch(name, "no input image")
	}
	op, release, err := h.build(name, p, inputs[0].Format(), inputs[0].Channels(), inputs[0])
	if err != nil {
		return nil, err
	}
	return h.runRelease(ctx, op, inputs, outputs, release)
}

// PlanOp tiles a width×height image of format in for a named operator
// without running it.
func (h *Handle) PlanOp(name string, p Params, in Format, channels, width, height int) (*Plan, error) {
	op, release, err := h.build(name, p, in, max(channels, 1), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()
	plan, _, err := h.exec.Plan(op, tiling.Extent{H: height, W: width}, max(channels, 1))
	return plan, err
}
