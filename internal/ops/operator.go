// Package ops holds the operator contract driven by the pipeline executor and
// the concrete operators built on it.
//
// An operator moves through three phases. Configure validates parameters and
// declares the scratch plan and spatial geometry. Setup binds scratch regions
// for one tile shape and stages weights and tables. Issue records the
// instructions for one tile into a slot bound by the last Setup.
package ops

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

var (
	ErrNotConfigured = errors.New("operator not configured")
	ErrNotBound      = errors.New("operator not bound to a tile shape")
	ErrInvalidParam  = errors.New("invalid operator parameter")
)

// Config is what Configure declares to the executor.
type Config struct {
	Plan     scratch.Plan
	Geometry tiling.Geometry
	// Image formats accepted by each input and produced by each output.
	InFormats  []device.Format
	OutFormats []device.Format
}

// Binding holds the scratch tensors of one shape, indexed [slot][i]. Input
// locals have the tile's loaded extent, output locals its output extent.
type Binding struct {
	In  [][]hw.Local
	Out [][]hw.Local
}

// SetupContext is what an operator binds against.
type SetupContext struct {
	Alloc    *scratch.Allocator
	Staging  hw.Transfer
	Channels int
	Slots    int
}

// Region carves a shape-lifetime region of size bytes and views it as a
// C×H×W tensor of format f.
func (sc *SetupContext) Region(size int, e tiling.Extent, f device.Format) (hw.Local, error) {
	r, err := sc.Alloc.Alloc(size)
	if err != nil {
		return hw.Local{}, err
	}
	return hw.Local{Addr: r.Offset, C: sc.Channels, H: e.H, W: e.W, Format: f}, nil
}

// Stage returns the invocation region named name holding src, loading it on
// first use.
func (sc *SetupContext) Stage(name string, src device.Tensor) (hw.Local, error) {
	l := hw.Local{C: src.C, H: src.H, W: src.W, Format: src.Format}
	r, fresh, err := sc.Alloc.Persistent(name, l.Bytes())
	if err != nil {
		return hw.Local{}, err
	}
	l.Addr = r.Offset
	if fresh {
		sc.Staging.Load(l, src)
	}
	return l, nil
}

// Operator is the three-phase contract.
type Operator interface {
	Name() string
	Configure() (Config, error)
	Setup(sc *SetupContext, shape tiling.Shape, edge bool) (Binding, error)
	Issue(rec hw.Recorder, slot int) error
}

type state uint8

const (
	unconfigured state = iota
	configured
	bound
)

// lifecycle enforces the phase order and remembers the current binding.
type lifecycle struct {
	name    string
	state   state
	cfg     Config
	binding Binding
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) configure(cfg Config) (Config, error) {
	l.cfg = cfg
	l.state = configured
	l.binding = Binding{}
	return cfg, nil
}

func (l *lifecycle) beginSetup(sc *SetupContext) error {
	if l.state == unconfigured {
		return fmt.Errorf("%s: setup: %w", l.name, ErrNotConfigured)
	}
	if sc.Channels <= 0 || sc.Slots <= 0 {
		return fmt.Errorf("%s: setup with %d channels and %d slots: %w", l.name, sc.Channels, sc.Slots, ErrInvalidParam)
	}
	l.state = configured
	return nil
}

func (l *lifecycle) bind(b Binding) (Binding, error) {
	l.binding = b
	l.state = bound
	return b, nil
}

func (l *lifecycle) slot(slot int) error {
	if l.state != bound {
		return fmt.Errorf("%s: issue: %w", l.name, ErrNotBound)
	}
	if slot < 0 || slot >= len(l.binding.In) {
		return fmt.Errorf("%s: issue: slot %d of %d: %w", l.name, slot, len(l.binding.In), ErrInvalidParam)
	}
	return nil
}

// slotLocals allocates, per slot, inputs of extent shape.In and outputs of
// extent shape.Out, following the sizes of plan p. With ShareIO the outputs
// alias the slot's leading inputs.
func slotLocals(sc *SetupContext, p scratch.Plan, shape tiling.Shape, inF, outF device.Format) (Binding, error) {
	b := Binding{In: make([][]hw.Local, sc.Slots), Out: make([][]hw.Local, sc.Slots)}
	for s := range sc.Slots {
		for i := range p.Inputs {
			size := p.InRegion(shape.In, sc.Channels)
			if p.ShareIO && i < p.Outputs {
				size = max(size, p.OutRegion(shape.Out, sc.Channels))
			}
			l, err := sc.Region(size, shape.In, inF)
			if err != nil {
				return Binding{}, err
			}
			b.In[s] = append(b.In[s], l)
		}
		for o := range p.Outputs {
			if p.ShareIO {
				l := b.In[s][o]
				l.H, l.W, l.Format = shape.Out.H, shape.Out.W, outF
				b.Out[s] = append(b.Out[s], l)
				continue
			}
			l, err := sc.Region(p.OutRegion(shape.Out, sc.Channels), shape.Out, outF)
			if err != nil {
				return Binding{}, err
			}
			b.Out[s] = append(b.Out[s], l)
		}
	}
	return b, nil
}

func checkFormat(op string, f device.Format, allowed ...device.Format) error {
	for _, a := range allowed {
		if f == a {
			return nil
		}
	}
	return errdefs.UnsupportedFormat(op, "%s not in %v", f, allowed)
}
