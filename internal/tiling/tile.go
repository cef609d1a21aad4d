// Package tiling splits an image into tiles that fit the accelerator's scratch
// memory.
package tiling

import "fmt"

// Sides index Geometry.Pad and Tile.Pad.
const (
	Left = iota
	Right
	Top
	Bottom
)

// Extent is a height and width in elements.
type Extent struct {
	H int `json:"h"`
	W int `json:"w"`
}

func (e Extent) Area() int { return e.H * e.W }

func (e Extent) String() string { return fmt.Sprintf("%dx%d", e.H, e.W) }

// Rect is a rectangle in image coordinates.
type Rect struct {
	Row int `json:"row"`
	Col int `json:"col"`
	H   int `json:"h"`
	W   int `json:"w"`
}

func (r Rect) Extent() Extent { return Extent{H: r.H, W: r.W} }

// Edge flags mark which sides of a tile touch the image boundary.
type Edge uint8

const (
	EdgeLeft Edge = 1 << iota
	EdgeRight
	EdgeTop
	EdgeBottom
)

// PadMode selects how spatial padding is realised.
type PadMode uint8

const (
	// PadEveryTile pads every tile on every side and loads no neighbour data.
	PadEveryTile PadMode = iota
	// PadBoundaryOnly pads only sides on the image boundary. Interior sides
	// load a halo of neighbour rows or columns instead.
	PadBoundaryOnly
)

func (m PadMode) String() string {
	if m == PadBoundaryOnly {
		return "boundary"
	}
	return "every-tile"
}

// Geometry is the spatial contract an operator declares to the planner.
type Geometry struct {
	Pad     [4]int  `json:"pad"`
	Mode    PadMode `json:"mode"`
	Granule int     `json:"granule"`
	OutDiv  int     `json:"out_div"`
}

func (g Geometry) granule() int { return max(g.Granule, 1) }
func (g Geometry) outDiv() int  { return max(g.OutDiv, 1) }

// Shape is what an operator's per-shape setup depends on. Two tiles with
// equal shapes reuse the same bound scratch regions.
type Shape struct {
	In  Extent
	Out Extent
	Pad [4]int
}

// Tile is one unit of pipelined work.
type Tile struct {
	Index   int    `json:"index"`
	GridRow int    `json:"grid_row"`
	GridCol int    `json:"grid_col"`
	Core    Rect   `json:"core"` // input pixels this tile is responsible for
	In      Rect   `json:"in"`   // pixels loaded, Core plus any halo
	Out     Rect   `json:"out"`  // output pixels written
	Pad     [4]int `json:"pad"`  // padding applied by the instruction
	Edges   Edge   `json:"edges"`
}

// IsEdge reports whether the tile touches the image boundary.
func (t Tile) IsEdge() bool { return t.Edges != 0 }

func (t Tile) Shape() Shape {
	return Shape{In: t.In.Extent(), Out: t.Out.Extent(), Pad: t.Pad}
}

// CostFunc returns the scratch bytes needed by a tile whose loaded input is
// in and whose output is out.
type CostFunc func(in, out Extent) int

// Plan is the result of tile planning. Tiles are in row-major order.
type Plan struct {
	Image    Extent   `json:"image"`
	Geometry Geometry `json:"geometry"`
	Budget   int      `json:"budget"`
	TileH    int      `json:"tile_h"`
	TileW    int      `json:"tile_w"`
	Rows     int      `json:"rows"`
	Cols     int      `json:"cols"`
	MaxCost  int      `json:"max_cost"`
	Tiles    []Tile   `json:"tiles"`
}

// Shapes returns the distinct tile shapes in first-use order.
func (p *Plan) Shapes() []Shape {
	var out []Shape
	seen := make(map[Shape]bool)
	for _, t := range p.Tiles {
		s := t.Shape()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// MaxIn is the largest loaded extent across tiles.
func (p *Plan) MaxIn() Extent {
	var e Extent
	for _, t := range p.Tiles {
		e.H = max(e.H, t.In.H)
		e.W = max(e.W, t.In.W)
	}
	return e
}
