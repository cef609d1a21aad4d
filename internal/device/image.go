package device

import (
	"fmt"
	"slices"

	"github.com/samcharles93/ive/internal/errdefs"
)

// Kind describes how channels are laid out in memory.
type Kind uint8

const (
	KindGray Kind = iota
	KindRGBPlanar
	KindRGBPacked
	KindRGBAPlanar
	KindYUV420
	KindYUV422
	KindSingle
	KindMulti
)

func (k Kind) String() string {
	switch k {
	case KindGray:
		return "gray"
	case KindRGBPlanar:
		return "rgb-planar"
	case KindRGBPacked:
		return "rgb-packed"
	case KindRGBAPlanar:
		return "rgba-planar"
	case KindYUV420:
		return "yuv420"
	case KindYUV422:
		return "yuv422"
	case KindSingle:
		return "single"
	case KindMulti:
		return "multi"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Planar reports whether each channel occupies its own plane.
func (k Kind) Planar() bool {
	return k != KindRGBPacked && k != KindYUV422
}

// ImageSpec describes an image with uniform planes.
type ImageSpec struct {
	Kind     Kind
	Channels int
	Height   int
	Width    int
	Format   Format
}

// Image is an image resident in device memory. An image either owns its
// arena block or is a view (sub-region, adopted hint, import) that borrows it.
type Image struct {
	arena  *Arena
	handle Handle
	owner  bool
	sub    bool
	kind   Kind
	format Format

	channels int
	width    int
	height   int
	strides  []int // elements per row, per plane
	heights  []int // rows per plane
	planes   []int // byte offset of each plane relative to offset
	offset   int   // byte offset of the image origin inside the block
	size     int

	stridesEqual bool
	imported     bool
}

// NewImage allocates an image whose planes are packed back to back with
// stride equal to width. If hint owns a block large enough, that block is
// adopted and hint stops owning it.
func NewImage(a *Arena, spec ImageSpec, hint *Image) (*Image, error) {
	if spec.Channels <= 0 || spec.Height <= 0 || spec.Width <= 0 {
		return nil, errdefs.ShapeMismatch("image", "invalid extent c=%d h=%d w=%d", spec.Channels, spec.Height, spec.Width)
	}
	if !spec.Format.Valid() {
		return nil, errdefs.UnsupportedFormat("image", "element format %s", spec.Format)
	}
	planes := spec.Channels
	stride := spec.Width
	if !spec.Kind.Planar() {
		planes = 1
		stride = spec.Width * spec.Channels
	}
	strides := make([]int, planes)
	heights := make([]int, planes)
	for i := range planes {
		strides[i] = stride
		heights[i] = spec.Height
	}
	img, err := newStrided(a, spec.Kind, spec.Channels, spec.Height, spec.Width, strides, heights, spec.Format, false)
	if err != nil {
		return nil, err
	}
	if err := img.allocate(hint); err != nil {
		return nil, err
	}
	return img, nil
}

// NewImageFromStrides allocates an image with per-plane strides and heights,
// as used by subsampled YUV layouts. Plane sizes are rounded by the arena's
// alignment policy.
func NewImageFromStrides(a *Arena, h, w int, strides, heights []int, kind Kind, f Format, hint *Image) (*Image, error) {
	if len(strides) == 0 || len(strides) != len(heights) {
		return nil, errdefs.ShapeMismatch("image", "%d strides for %d heights", len(strides), len(heights))
	}
	channels := len(strides)
	if !kind.Planar() {
		channels = 3
	}
	img, err := newStrided(a, kind, channels, h, w, strides, heights, f, true)
	if err != nil {
		return nil, err
	}
	if err := img.allocate(hint); err != nil {
		return nil, err
	}
	return img, nil
}

// ImportImage wraps externally owned memory. lengths gives the byte length
// of each plane inside data; planes are expected back to back.
func ImportImage(a *Arena, h, w int, strides, heights, lengths []int, data []byte, kind Kind, f Format) (*Image, error) {
	if len(lengths) != len(strides) {
		return nil, errdefs.ShapeMismatch("import", "%d lengths for %d planes", len(lengths), len(strides))
	}
	channels := len(strides)
	if !kind.Planar() {
		channels = 3
	}
	img, err := newStrided(a, kind, channels, h, w, strides, heights, f, false)
	if err != nil {
		return nil, err
	}
	off := 0
	for i, n := range lengths {
		if n < strides[i]*heights[i]*f.Size() {
			return nil, errdefs.ShapeMismatch("import", "plane %d holds %d bytes, need %d", i, n, strides[i]*heights[i]*f.Size())
		}
		img.planes[i] = off
		off += n
	}
	if off > len(data) {
		return nil, errdefs.ShapeMismatch("import", "planes need %d bytes, buffer has %d", off, len(data))
	}
	img.size = off
	h2, err := a.Import(data[:off])
	if err != nil {
		return nil, err
	}
	img.handle = h2
	img.imported = true
	return img, nil
}

func newStrided(a *Arena, kind Kind, channels, h, w int, strides, heights []int, f Format, aligned bool) (*Image, error) {
	if a == nil {
		return nil, fmt.Errorf("image: nil arena")
	}
	if h <= 0 || w <= 0 {
		return nil, errdefs.ShapeMismatch("image", "invalid extent h=%d w=%d", h, w)
	}
	if !f.Valid() {
		return nil, errdefs.UnsupportedFormat("image", "element format %s", f)
	}
	img := &Image{
		arena:        a,
		kind:         kind,
		format:       f,
		channels:     channels,
		width:        w,
		height:       h,
		strides:      slices.Clone(strides),
		heights:      slices.Clone(heights),
		planes:       make([]int, len(strides)),
		stridesEqual: true,
	}
	es := f.Size()
	off := 0
	for i := range strides {
		if strides[i] <= 0 || heights[i] <= 0 {
			return nil, errdefs.ShapeMismatch("image", "plane %d has stride %d height %d", i, strides[i], heights[i])
		}
		if strides[i] != strides[0] {
			img.stridesEqual = false
		}
		img.planes[i] = off
		plane := strides[i] * heights[i] * es
		if aligned {
			plane, _ = a.Policy().Align(plane)
		}
		off += plane
	}
	img.size = off
	return img, nil
}

func (img *Image) allocate(hint *Image) error {
	if hint != nil && hint.owner && !hint.sub && hint.arena == img.arena {
		h, reused, err := img.arena.ReuseOrAlloc(hint.handle, img.size)
		if err != nil {
			return err
		}
		if reused {
			hint.owner = false
		}
		img.handle = h
		img.owner = true
		return nil
	}
	h, err := img.arena.Alloc(img.size)
	if err != nil {
		return err
	}
	img.handle = h
	img.owner = true
	return nil
}

// SubRegion returns a non-owning view of the rectangle spanned by (x1, y1)
// and (x2, y2), exclusive of x2 and y2. Reversed corners are swapped and the
// rectangle is clamped to the image.
func (img *Image) SubRegion(x1, y1, x2, y2 int) (*Image, error) {
	if !img.kind.Planar() || !img.stridesEqual {
		return nil, errdefs.InvalidRegion("subregion", "%s image with unequal strides cannot be windowed", img.kind)
	}
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	x1, x2 = clamp(x1, 0, img.width), clamp(x2, 0, img.width)
	y1, y2 = clamp(y1, 0, img.height), clamp(y2, 0, img.height)
	w, h := x2-x1, y2-y1
	if w == 0 || h == 0 {
		return nil, errdefs.InvalidRegion("subregion", "empty window %dx%d", w, h)
	}
	for _, ph := range img.heights {
		if ph != img.height {
			return nil, errdefs.InvalidRegion("subregion", "planes of unequal height")
		}
	}
	es := img.format.Size()
	sub := &Image{
		arena:        img.arena,
		handle:       img.handle,
		sub:          true,
		kind:         img.kind,
		format:       img.format,
		channels:     img.channels,
		width:        w,
		height:       h,
		strides:      slices.Clone(img.strides),
		heights:      make([]int, len(img.heights)),
		planes:       slices.Clone(img.planes),
		offset:       img.offset + y1*img.strides[0]*es + x1*es,
		size:         img.size,
		stridesEqual: true,
	}
	for i := range sub.heights {
		sub.heights[i] = h
	}
	return sub, nil
}

// Release frees the backing block if this image owns it. Releasing a view
// is a no-op; releasing an import only forgets the registration.
func (img *Image) Release() error {
	if img == nil || img.handle == 0 || img.sub {
		return nil
	}
	if !img.owner && !img.imported {
		return nil
	}
	err := img.arena.Release(img.handle)
	img.handle = 0
	img.owner = false
	return err
}

// Flush publishes host writes to the device.
func (img *Image) Flush() error {
	return img.arena.Flush(img.handle)
}

// Invalidate drops stale host copies after device writes.
func (img *Image) Invalidate() error {
	return img.arena.Invalidate(img.handle)
}

func (img *Image) Arena() *Arena         { return img.arena }
func (img *Image) Handle() Handle        { return img.handle }
func (img *Image) Kind() Kind            { return img.kind }
func (img *Image) Format() Format        { return img.format }
func (img *Image) Channels() int         { return img.channels }
func (img *Image) Width() int            { return img.width }
func (img *Image) Height() int           { return img.height }
func (img *Image) Planes() int           { return len(img.strides) }
func (img *Image) Stride(plane int) int  { return img.strides[plane] }
func (img *Image) PlaneHeight(p int) int { return img.heights[p] }
func (img *Image) Offset() int           { return img.offset }
func (img *Image) Size() int             { return img.size }
func (img *Image) IsSubRegion() bool     { return img.sub }
func (img *Image) Owner() bool           { return img.owner }
func (img *Image) StridesEqual() bool    { return img.stridesEqual }

// PlaneOffset is the byte offset of plane p relative to the block start.
func (img *Image) PlaneOffset(p int) int {
	return img.offset + img.planes[p]
}

// PAddr is the physical address of the image origin.
func (img *Image) PAddr() (uint64, error) {
	base, err := img.arena.PAddr(img.handle)
	if err != nil {
		return 0, err
	}
	return base + uint64(img.offset), nil
}

// Origin reports the column and row of the image origin within the block it
// views, so a sub-region window can be reconstructed from its offset.
func (img *Image) Origin() (x, y int) {
	row := img.strides[0] * img.format.Size()
	return (img.offset % row) / img.format.Size(), img.offset / row
}

// Plane returns the bytes of plane p from its origin to its last element.
func (img *Image) Plane(p int) ([]byte, error) {
	data, err := img.arena.Bytes(img.handle)
	if err != nil {
		return nil, err
	}
	start := img.PlaneOffset(p)
	end := start + (img.heights[p]-1)*img.strides[p]*img.format.Size() + img.rowBytes(p)
	if end > len(data) {
		return nil, errdefs.InvalidRegion("plane", "plane %d ends at %d beyond block of %d bytes", p, end, len(data))
	}
	return data[start:end], nil
}

// rowBytes is the number of meaningful bytes in one row of plane p.
func (img *Image) rowBytes(p int) int {
	elems := img.width
	if !img.kind.Planar() {
		elems *= img.channels
	}
	return min(elems, img.strides[p]) * img.format.Size()
}

// PlaneLen is the size of plane p as a dense row-major buffer.
func (img *Image) PlaneLen(p int) int { return img.rowBytes(p) * img.heights[p] }

// Tensor describes the image as a C×H×W tensor. It fails for layouts whose
// planes are not evenly spaced with equal strides.
func (img *Image) Tensor() (Tensor, error) {
	if !img.kind.Planar() {
		return Tensor{}, errdefs.UnsupportedFormat("tensor", "%s layout is interleaved", img.kind)
	}
	if !img.stridesEqual {
		return Tensor{}, errdefs.UnsupportedFormat("tensor", "%s planes have unequal strides", img.kind)
	}
	cstride := 0
	for p := range img.planes {
		if img.heights[p] != img.height {
			return Tensor{}, errdefs.UnsupportedFormat("tensor", "%s planes have unequal heights", img.kind)
		}
		if p == 1 {
			cstride = img.planes[1] - img.planes[0]
		} else if p > 1 && img.planes[p]-img.planes[p-1] != cstride {
			return Tensor{}, errdefs.UnsupportedFormat("tensor", "%s planes are unevenly spaced", img.kind)
		}
	}
	es := img.format.Size()
	if cstride == 0 {
		cstride = img.strides[0] * img.height * es
	}
	return Tensor{
		Handle:  img.handle,
		Offset:  img.offset + img.planes[0],
		C:       img.channels,
		H:       img.height,
		W:       img.width,
		Format:  img.format,
		CStride: cstride,
		HStride: img.strides[0] * es,
	}, nil
}

// ReadPlane copies plane p into a dense row-major buffer.
func (img *Image) ReadPlane(p int) ([]byte, error) {
	src, err := img.Plane(p)
	if err != nil {
		return nil, err
	}
	rowBytes := img.rowBytes(p)
	stride := img.strides[p] * img.format.Size()
	out := make([]byte, 0, rowBytes*img.heights[p])
	for y := range img.heights[p] {
		out = append(out, src[y*stride:y*stride+rowBytes]...)
	}
	return out, nil
}

// WritePlane fills plane p from a dense row-major buffer.
func (img *Image) WritePlane(p int, data []byte) error {
	dst, err := img.Plane(p)
	if err != nil {
		return err
	}
	rowBytes := img.rowBytes(p)
	stride := img.strides[p] * img.format.Size()
	h := img.heights[p]
	if len(data) != rowBytes*h {
		return errdefs.ShapeMismatch("write", "plane %d needs %d bytes, got %d", p, rowBytes*h, len(data))
	}
	for y := range h {
		copy(dst[y*stride:y*stride+rowBytes], data[y*rowBytes:(y+1)*rowBytes])
	}
	return nil
}

func (img *Image) String() string {
	return fmt.Sprintf("%s %s %dx%dx%d", img.kind, img.format, img.channels, img.height, img.width)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
