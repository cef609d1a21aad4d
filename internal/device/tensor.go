package device

import "fmt"

// Tensor addresses a C×H×W window of device memory. Strides are in bytes;
// elements within a row are packed.
type Tensor struct {
	Handle  Handle
	Offset  int
	C, H, W int
	Format  Format
	CStride int
	HStride int
}

// Window narrows the tensor to rows [row, row+h) and columns [col, col+w)
// of every channel.
func (t Tensor) Window(row, col, h, w int) Tensor {
	t.Offset += row*t.HStride + col*t.Format.Size()
	t.H = h
	t.W = w
	return t
}

// Channel narrows the tensor to a single channel.
func (t Tensor) Channel(c int) Tensor {
	t.Offset += c * t.CStride
	t.C = 1
	return t
}

// Extent is the number of bytes from the first to one past the last element.
func (t Tensor) Extent() int {
	if t.C == 0 || t.H == 0 || t.W == 0 {
		return 0
	}
	return (t.C-1)*t.CStride + (t.H-1)*t.HStride + t.W*t.Format.Size()
}

// At returns the byte offset of element (c, y, x) relative to the block.
func (t Tensor) At(c, y, x int) int {
	return t.Offset + c*t.CStride + y*t.HStride + x*t.Format.Size()
}

func (t Tensor) String() string {
	return fmt.Sprintf("%s[%dx%dx%d]@%d+%d", t.Format, t.C, t.H, t.W, t.Handle, t.Offset)
}

// Overlaps reports whether t and o share at least one byte. Tensors with a
// common row stride are compared row by row; otherwise their byte spans are.
func (t Tensor) Overlaps(o Tensor) bool {
	if t.Handle != o.Handle || t.Extent() == 0 || o.Extent() == 0 {
		return false
	}
	if t.Offset >= o.Offset+o.Extent() || o.Offset >= t.Offset+t.Extent() {
		return false
	}
	if t.HStride != o.HStride || t.HStride <= 0 {
		return true
	}
	for c := range t.C {
		for k := range o.C {
			if t.Channel(c).rectOverlaps(o.Channel(k)) {
				return true
			}
		}
	}
	return false
}

// rectOverlaps compares two single-channel tensors as rectangles in the
// byte grid of their shared row stride. A row of o that runs past the end
// of a grid row continues at the start of the next one.
func (t Tensor) rectOverlaps(o Tensor) bool {
	s := t.HStride
	tw, ow := t.W*t.Format.Size(), o.W*o.Format.Size()
	if tw > s || ow > s {
		return true
	}
	d := o.Offset - t.Offset
	row := d / s
	if d%s != 0 && d < 0 {
		row--
	}
	col := d - row*s
	hit := func(r, c0, c1 int) bool {
		return r < t.H && r+o.H > 0 && c0 < tw && c1 > 0
	}
	if hit(row, col, min(col+ow, s)) {
		return true
	}
	return col+ow > s && hit(row+1, 0, col+ow-s)
}
