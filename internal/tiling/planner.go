package tiling

import (
	"github.com/samcharles93/ive/internal/errdefs"
)

// Planner picks the largest tile that fits Budget bytes of scratch.
type Planner struct {
	Budget int
	// Balanced splits each axis into near-equal tiles instead of full tiles
	// followed by one remainder.
	Balanced bool
	// MaxTileH and MaxTileW cap tile extents (hardware limits). Zero means
	// unlimited.
	MaxTileH int
	MaxTileW int
}

// span is one tile's extent along an axis.
type span struct {
	start, size    int
	haloLo, haloHi int
	padLo, padHi   int
	edgeLo, edgeHi bool
}

func (s span) in() int { return s.haloLo + s.size + s.haloHi }

// Plan tiles an image of extent img for an operator with geometry g.
//
// Widths are tried from the widest candidate down; for the first width at
// which any height fits, the tallest fitting height is chosen by binary
// search. Every tile
// class (first, interior, last, remainder) is costed, so the worst tile of
// the plan never exceeds the budget.
func (p Planner) Plan(img Extent, g Geometry, cost CostFunc) (*Plan, error) {
	gran := g.granule()
	if img.H <= 0 || img.W <= 0 {
		return nil, errdefs.ShapeMismatch("plan", "empty image %s", img)
	}
	h := img.H - img.H%gran
	w := img.W - img.W%gran
	if h == 0 || w == 0 {
		return nil, errdefs.ShapeMismatch("plan", "image %s smaller than granule %d", img, gran)
	}
	if g.outDiv() > 1 && gran%g.outDiv() != 0 {
		return nil, errdefs.ShapeMismatch("plan", "granule %d is not a multiple of output divisor %d", gran, g.outDiv())
	}
	maxH := limit(h, p.MaxTileH, gran)
	maxW := limit(w, p.MaxTileW, gran)
	if maxH == 0 || maxW == 0 {
		return nil, errdefs.CapacityExceeded("plan", "tile limit %dx%d below granule %d", p.MaxTileH, p.MaxTileW, gran)
	}

	fits := func(th, tw int) (int, bool) {
		worst := p.worst(img, h, w, th, tw, g, cost)
		return worst, worst <= p.Budget
	}

	for tw := maxW; tw >= gran; tw -= gran {
		if _, ok := fits(gran, tw); !ok {
			continue
		}
		th := tallest(maxH, gran, func(th int) bool {
			_, ok := fits(th, tw)
			return ok
		})
		worst, _ := fits(th, tw)
		return p.build(img, h, w, th, tw, g, worst), nil
	}
	need, _ := fits(gran, gran)
	return nil, errdefs.CapacityExceeded("plan", "a %dx%d tile needs %d bytes, budget is %d", gran, gran, need, p.Budget)
}

// tallest returns the tallest multiple of gran up to maxH for which ok
// holds, given that ok(gran) does. A single full-height tile has no interior
// halo, so it is tried on its own; below it, cost grows with tile height.
func tallest(maxH, gran int, ok func(th int) bool) int {
	if ok(maxH) {
		return maxH
	}
	// In granules: lo fits, everything above hi is known not to.
	lo, hi := 1, maxH/gran-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if ok(mid * gran) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo * gran
}

// worst returns the largest cost over every distinct tile class.
func (p Planner) worst(img Extent, h, w, th, tw int, g Geometry, cost CostFunc) int {
	rows := classes(p.split(img.H, h, th, g.granule(), g.Pad[Top], g.Pad[Bottom], g.Mode))
	cols := classes(p.split(img.W, w, tw, g.granule(), g.Pad[Left], g.Pad[Right], g.Mode))
	div := g.outDiv()
	worst := 0
	for _, r := range rows {
		for _, c := range cols {
			in := Extent{H: r.in(), W: c.in()}
			out := Extent{H: r.size / div, W: c.size / div}
			worst = max(worst, cost(in, out))
		}
	}
	return worst
}

// classes drops spans whose costing would be identical.
func classes(spans []span) []span {
	type key struct{ in, size int }
	seen := make(map[key]bool, 4)
	out := spans[:0:0]
	for _, s := range spans {
		k := key{s.in(), s.size}
		if !seen[k] {
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

// split divides [0, n) into tiles of at most t. full is the true image
// extent, used to clip halos at the far boundary.
func (p Planner) split(full, n, t, gran, padLo, padHi int, mode PadMode) []span {
	var sizes []int
	if p.Balanced {
		units := n / gran
		count := (n + t - 1) / t
		per, extra := units/count, units%count
		for i := range count {
			u := per
			if i < extra {
				u++
			}
			sizes = append(sizes, u*gran)
		}
	} else {
		for start := 0; start < n; start += t {
			sizes = append(sizes, min(t, n-start))
		}
	}

	spans := make([]span, 0, len(sizes))
	start := 0
	for _, size := range sizes {
		end := start + size
		s := span{
			start:  start,
			size:   size,
			edgeLo: start == 0,
			edgeHi: end == full,
			padLo:  padLo,
			padHi:  padHi,
		}
		if mode == PadBoundaryOnly {
			s.haloLo = min(padLo, start)
			s.haloHi = min(padHi, full-end)
			s.padLo -= s.haloLo
			s.padHi -= s.haloHi
		}
		spans = append(spans, s)
		start = end
	}
	return spans
}

func (p Planner) build(img Extent, h, w, th, tw int, g Geometry, worst int) *Plan {
	rows := p.split(img.H, h, th, g.granule(), g.Pad[Top], g.Pad[Bottom], g.Mode)
	cols := p.split(img.W, w, tw, g.granule(), g.Pad[Left], g.Pad[Right], g.Mode)
	div := g.outDiv()

	plan := &Plan{
		Image:    Extent{H: h, W: w},
		Geometry: g,
		Budget:   p.Budget,
		TileH:    th,
		TileW:    tw,
		Rows:     len(rows),
		Cols:     len(cols),
		MaxCost:  worst,
		Tiles:    make([]Tile, 0, len(rows)*len(cols)),
	}
	for ri, r := range rows {
		for ci, c := range cols {
			var edges Edge
			if c.edgeLo {
				edges |= EdgeLeft
			}
			if c.edgeHi {
				edges |= EdgeRight
			}
			if r.edgeLo {
				edges |= EdgeTop
			}
			if r.edgeHi {
				edges |= EdgeBottom
			}
			plan.Tiles = append(plan.Tiles, Tile{
				Index:   len(plan.Tiles),
				GridRow: ri,
				GridCol: ci,
				Core:    Rect{Row: r.start, Col: c.start, H: r.size, W: c.size},
				In: Rect{
					Row: r.start - r.haloLo,
					Col: c.start - c.haloLo,
					H:   r.in(),
					W:   c.in(),
				},
				Out:   Rect{Row: r.start / div, Col: c.start / div, H: r.size / div, W: c.size / div},
				Pad:   [4]int{c.padLo, c.padHi, r.padLo, r.padHi},
				Edges: edges,
			})
		}
	}
	return plan
}

func limit(n, capacity, gran int) int {
	if capacity <= 0 {
		return n
	}
	c := capacity - capacity%gran
	return min(n, c)
}
