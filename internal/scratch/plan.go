// Package scratch accounts for and hands out the accelerator's on-chip
// scratch memory.
package scratch

import "github.com/samcharles93/ive/internal/tiling"

// DefaultAlign is the byte alignment of every scratch region.
const DefaultAlign = 16

// Plan is an operator's scratch requirement, declared once at configure time.
//
// Tile-sized regions come in three lifetimes: slot regions (Inputs and
// Outputs, replicated Slots times for double buffering), Temps (one copy,
// shared by both slots) and Persistent regions (one copy, filled once per
// shape). Tables, Kernels and FixedBytes are staged once per invocation.
type Plan struct {
	Slots   int  `json:"slots"`
	ShareIO bool `json:"share_io"` // outputs live in the slot's first input regions
	Inputs  int  `json:"inputs"`
	Outputs int  `json:"outputs"`

	Temps      int `json:"temps"`
	Persistent int `json:"persistent"`

	Tables      int `json:"tables"`
	TableBytes  int `json:"table_bytes"`
	Kernels     int `json:"kernels"`
	KernelBytes int `json:"kernel_bytes"`
	FixedBytes  int `json:"fixed_bytes"`

	InElem      int `json:"in_elem"`
	OutElem     int `json:"out_elem"`
	TempElem    int `json:"temp_elem"`
	PersistElem int `json:"persist_elem"`

	Align int `json:"align"`
}

func (p Plan) align() int {
	if p.Align > 0 {
		return p.Align
	}
	return DefaultAlign
}

// Region sizes for one tile. Temps and persistent regions are sized to the
// larger of the loaded and produced extents.
func (p Plan) InRegion(in tiling.Extent, channels int) int {
	return alignUp(channels*in.Area()*p.InElem, p.align())
}

func (p Plan) OutRegion(out tiling.Extent, channels int) int {
	return alignUp(channels*out.Area()*p.OutElem, p.align())
}

func (p Plan) TempRegion(in, out tiling.Extent, channels int) int {
	return alignUp(channels*max(in.Area(), out.Area())*p.TempElem, p.align())
}

func (p Plan) PersistRegion(in, out tiling.Extent, channels int) int {
	return alignUp(channels*max(in.Area(), out.Area())*p.PersistElem, p.align())
}

// InvocationBytes is the footprint of tables, kernels and constants.
func (p Plan) InvocationBytes() int {
	a := p.align()
	return p.Tables*alignUp(p.TableBytes, a) + p.Kernels*alignUp(p.KernelBytes, a) + alignUp(p.FixedBytes, a)
}

// ShapeBytes is the footprint of every tile-sized region for one shape.
func (p Plan) ShapeBytes(in, out tiling.Extent, channels int) int {
	slots := max(p.Slots, 1)
	perSlot := p.Inputs * p.InRegion(in, channels)
	if p.ShareIO {
		// outputs reuse the first input regions; only overflow costs extra
		extra := p.OutRegion(out, channels) - p.InRegion(in, channels)
		if extra > 0 {
			perSlot += p.Outputs * extra
		}
	} else {
		perSlot += p.Outputs * p.OutRegion(out, channels)
	}
	return slots*perSlot + p.Temps*p.TempRegion(in, out, channels) + p.Persistent*p.PersistRegion(in, out, channels)
}

// TileBytes is the total scratch a tile needs. The planner and the allocator
// both use this formula, so a plan that fits is guaranteed to allocate.
func (p Plan) TileBytes(in, out tiling.Extent, channels int) int {
	return p.ShapeBytes(in, out, channels) + p.InvocationBytes()
}

// Cost adapts TileBytes to the planner's cost function.
func (p Plan) Cost(channels int) tiling.CostFunc {
	return func(in, out tiling.Extent) int {
		return p.TileBytes(in, out, channels)
	}
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
