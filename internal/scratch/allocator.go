package scratch

import (
	"fmt"

	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/tiling"
)

// Region is a byte range of scratch memory.
type Region struct {
	Offset int
	Size   int
}

func (r Region) End() int { return r.Offset + r.Size }

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Allocator is a two-ended bump allocator over [0, budget). Invocation
// regions (tables, kernels, constants) grow down from the top and survive
// shape changes; shape regions grow up from the bottom and are discarded by
// BeginShape.
type Allocator struct {
	budget int
	align  int
	low    int
	high   int

	persistent map[string]Region
	order      []string
}

func NewAllocator(budget, align int) *Allocator {
	if align <= 0 {
		align = DefaultAlign
	}
	return &Allocator{
		budget:     budget,
		align:      align,
		high:       budget - budget%align,
		persistent: make(map[string]Region),
	}
}

// Reserve checks, before any tile work, that the largest tile of a plan fits.
func (a *Allocator) Reserve(p Plan, maxIn, maxOut tiling.Extent, channels int) error {
	need := p.TileBytes(maxIn, maxOut, channels)
	if need > a.budget {
		return errdefs.CapacityExceeded("reserve", "tile %s needs %d bytes of scratch, budget is %d", maxIn, need, a.budget)
	}
	return nil
}

// BeginShape discards every shape region.
func (a *Allocator) BeginShape() {
	a.low = 0
}

// Alloc carves a shape region from the bottom.
func (a *Allocator) Alloc(size int) (Region, error) {
	size = alignUp(size, a.align)
	if a.low+size > a.high {
		return Region{}, errdefs.CapacityExceeded("scratch", "shape region of %d bytes does not fit (%d free)", size, a.high-a.low)
	}
	r := Region{Offset: a.low, Size: size}
	a.low += size
	return r, nil
}

// Persistent returns the invocation region named name, carving it from the
// top on first use. fresh is true only on that first call, when the caller
// must stage the region's contents.
func (a *Allocator) Persistent(name string, size int) (r Region, fresh bool, err error) {
	if r, ok := a.persistent[name]; ok {
		if r.Size < size {
			return Region{}, false, errdefs.CapacityExceeded("scratch", "invocation region %q is %d bytes, %d requested", name, r.Size, size)
		}
		return r, false, nil
	}
	size = alignUp(size, a.align)
	if a.high-size < a.low {
		return Region{}, false, errdefs.CapacityExceeded("scratch", "invocation region %q of %d bytes does not fit (%d free)", name, size, a.high-a.low)
	}
	a.high -= size
	r = Region{Offset: a.high, Size: size}
	a.persistent[name] = r
	a.order = append(a.order, name)
	return r, true, nil
}

// Release frees everything at the end of an invocation.
func (a *Allocator) Release() {
	a.low = 0
	a.high = a.budget - a.budget%a.align
	clear(a.persistent)
	a.order = a.order[:0]
}

// Used is the number of bytes currently handed out.
func (a *Allocator) Used() int {
	return a.low + (a.budget - a.budget%a.align - a.high)
}

func (a *Allocator) Budget() int { return a.budget }

// PersistentNames lists invocation regions in allocation order.
func (a *Allocator) PersistentNames() []string {
	return append([]string(nil), a.order...)
}
