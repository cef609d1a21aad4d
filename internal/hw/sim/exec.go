package sim

import (
	"fmt"
	"math"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/quant"
)

func dstAddr(inst hw.Instruction) int {
	switch in := inst.(type) {
	case hw.Binary:
		return in.Dst.Addr
	case hw.Add:
		return in.Dst.Addr
	case hw.Threshold:
		return in.Dst.Addr
	case hw.DepthwiseConv:
		return in.Dst.Addr
	case hw.SqrtLUT:
		return in.Dst.Addr
	case hw.Atan2:
		return in.Dst.Addr
	case hw.AvgPool:
		return in.Dst.Addr
	case hw.Convert:
		return in.Dst.Addr
	default:
		return -1
	}
}

func (d *Device) execute(inst hw.Instruction) error {
	switch in := inst.(type) {
	case hw.Binary:
		return d.binary(in)
	case hw.Add:
		return d.add(in)
	case hw.Threshold:
		return d.threshold(in)
	case hw.DepthwiseConv:
		return d.conv(in)
	case hw.SqrtLUT:
		return d.sqrt(in)
	case hw.Atan2:
		return d.atan2(in)
	case hw.AvgPool:
		return d.pool(in)
	case hw.Convert:
		return d.convert(in)
	default:
		return fmt.Errorf("sim: unsupported instruction %T", inst)
	}
}

// elems is a decoded view of a local.
type elems struct {
	buf  []byte
	f    device.Format
	size int
}

func (d *Device) elems(l hw.Local) (elems, error) {
	buf, err := d.view(l)
	if err != nil {
		return elems{}, err
	}
	return elems{buf: buf, f: l.Format, size: l.Format.Size()}, nil
}

func (e elems) get(i int) float64    { return e.f.Decode(e.buf[i*e.size:]) }
func (e elems) set(i int, v float64) { e.f.Encode(e.buf[i*e.size:], v) }

func sameShape(op string, a hw.Local, others ...hw.Local) error {
	for _, o := range others {
		if !a.SameShape(o) {
			return errdefs.ShapeMismatch(op, "%s and %s", a, o)
		}
	}
	return nil
}

func (d *Device) binary(in hw.Binary) error {
	if err := sameShape(in.Op(), in.Dst, in.A); err != nil {
		return err
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	a, err := d.elems(in.A)
	if err != nil {
		return err
	}
	var b elems
	if in.B != nil {
		if err := sameShape(in.Op(), in.Dst, *in.B); err != nil {
			return err
		}
		if b, err = d.elems(*in.B); err != nil {
			return err
		}
	}
	for i := range in.Dst.Len() {
		x, y := a.get(i), in.Const
		if in.B != nil {
			y = b.get(i)
		}
		var v float64
		switch in.Kind {
		case hw.OpAdd:
			v = x + y
		case hw.OpSub:
			v = x - y
		case hw.OpAbsDiff:
			v = math.Abs(x - y)
		case hw.OpMul:
			v = x * y
		case hw.OpMac:
			v = dst.get(i) + x*y
		case hw.OpMax:
			v = max(x, y)
		case hw.OpMin:
			v = min(x, y)
		case hw.OpAnd:
			v = float64(int64(x) & int64(y))
		case hw.OpOr:
			v = float64(int64(x) | int64(y))
		case hw.OpXor:
			v = float64(int64(x) ^ int64(y))
		default:
			return fmt.Errorf("sim: unknown binary op %d", in.Kind)
		}
		if in.Relu {
			v = max(v, 0)
		}
		dst.set(i, v)
	}
	return nil
}

func (d *Device) add(in hw.Add) error {
	if err := sameShape("add", in.Dst, in.A, in.B); err != nil {
		return err
	}
	for _, l := range []hw.Local{in.Dst, in.A, in.B} {
		if l.Format.Size() != 1 {
			return errdefs.UnsupportedFormat("add", "wide add needs 8-bit operands, got %s", l.Format)
		}
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	a, ah, err := d.wide(in.Dst, in.A, in.AHigh)
	if err != nil {
		return err
	}
	b, bh, err := d.wide(in.Dst, in.B, in.BHigh)
	if err != nil {
		return err
	}
	var dh elems
	if in.DstHigh != nil {
		if dh, err = d.wide1(in.Dst, *in.DstHigh); err != nil {
			return err
		}
	}
	operand := func(lo, hi elems, i int) float64 {
		if hi.buf == nil {
			return lo.get(i)
		}
		return float64(lo.buf[i]) + 256*hi.get(i)
	}
	for i := range in.Dst.Len() {
		sum := operand(a, ah, i) + operand(b, bh, i)
		if in.DstHigh == nil {
			dst.set(i, sum)
			continue
		}
		s := int64(sum)
		dst.buf[i] = byte(s)
		dh.set(i, float64(s>>8))
	}
	return nil
}

func (d *Device) wide(dst, lo hw.Local, hi *hw.Local) (elems, elems, error) {
	l, err := d.elems(lo)
	if err != nil || hi == nil {
		return l, elems{}, err
	}
	h, err := d.wide1(dst, *hi)
	return l, h, err
}

func (d *Device) wide1(dst, hi hw.Local) (elems, error) {
	if err := sameShape("add", dst, hi); err != nil {
		return elems{}, err
	}
	return d.elems(hi)
}

func (d *Device) threshold(in hw.Threshold) error {
	if err := sameShape("threshold", in.Dst, in.Src); err != nil {
		return err
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	src, err := d.elems(in.Src)
	if err != nil {
		return err
	}
	for i := range in.Dst.Len() {
		if src.get(i) > in.Low {
			dst.set(i, in.Max)
		} else {
			dst.set(i, in.Min)
		}
	}
	return nil
}

func (d *Device) conv(in hw.DepthwiseConv) error {
	src, dstL, w := in.Src, in.Dst, in.Weights
	if dstL.C != src.C || w.C != src.C || w.H != in.KH || w.W != in.KW {
		return errdefs.ShapeMismatch("dwconv", "dst %s src %s weights %s for %dx%d kernel", dstL, src, w, in.KH, in.KW)
	}
	left, right, top, bottom := in.Pad[0], in.Pad[1], in.Pad[2], in.Pad[3]
	if dstL.H != src.H+top+bottom-in.KH+1 || dstL.W != src.W+left+right-in.KW+1 {
		return errdefs.ShapeMismatch("dwconv", "dst %s does not match src %s with pad %v", dstL, src, in.Pad)
	}
	dst, err := d.elems(dstL)
	if err != nil {
		return err
	}
	s, err := d.elems(src)
	if err != nil {
		return err
	}
	k, err := d.elems(w)
	if err != nil {
		return err
	}
	integer := !src.Format.Float() && !w.Format.Float() && !dstL.Format.Float()
	mul := in.Multiplier
	if mul == 0 {
		mul = 1
	}
	for c := range dstL.C {
		for y := range dstL.H {
			for x := range dstL.W {
				var acc float64
				for ky := range in.KH {
					sy, ok := tap(y+ky-top, src.H, in.Replicate)
					if !ok {
						continue
					}
					for kx := range in.KW {
						sx, ok := tap(x+kx-left, src.W, in.Replicate)
						if !ok {
							continue
						}
						acc += s.get((c*src.H+sy)*src.W+sx) * k.get((c*in.KH+ky)*in.KW+kx)
					}
				}
				var v float64
				if integer {
					v = float64(scaleInt(in.Scale, int64(acc)))
				} else {
					v = acc * mul
				}
				if in.Relu {
					v = max(v, 0)
				}
				dst.set((c*dstL.H+y)*dstL.W+x, v)
			}
		}
	}
	return nil
}

// tap maps a padded coordinate into [0, n). Zero padding reports false for
// coordinates outside; replicate padding clamps them.
func tap(i, n int, replicate bool) (int, bool) {
	if i >= 0 && i < n {
		return i, true
	}
	if !replicate {
		return 0, false
	}
	return min(max(i, 0), n-1), true
}

func scaleInt(s quant.Scale, acc int64) int64 {
	if s == (quant.Scale{}) {
		return acc
	}
	return s.Apply(acc)
}

func (d *Device) sqrt(in hw.SqrtLUT) error {
	if err := sameShape("sqrtlut", in.Dst, in.Src); err != nil {
		return err
	}
	if in.Src.Format != device.BF16 {
		return errdefs.UnsupportedFormat("sqrtlut", "source must be %s, got %s", device.BF16, in.Src.Format)
	}
	if in.Exp.Len() < 256 || in.Mant.Len() < 256 {
		return errdefs.ShapeMismatch("sqrtlut", "tables need 256 entries, got %d and %d", in.Exp.Len(), in.Mant.Len())
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	src, err := d.elems(in.Src)
	if err != nil {
		return err
	}
	exp, err := d.elems(in.Exp)
	if err != nil {
		return err
	}
	mant, err := d.elems(in.Mant)
	if err != nil {
		return err
	}
	for i := range in.Dst.Len() {
		v := src.get(i)
		if !(v > 0) {
			dst.set(i, 0)
			continue
		}
		bits := device.BF16Bits(float32(v))
		e := int(bits>>7) & 0xff
		if e == 0 {
			dst.set(i, 0)
			continue
		}
		odd := e & 1
		idx := (1-odd)<<7 | int(bits)&0x7f
		dst.set(i, exp.get(e)*mant.get(idx))
	}
	return nil
}

func (d *Device) atan2(in hw.Atan2) error {
	if err := sameShape("atan2", in.Dst, in.Y, in.X); err != nil {
		return err
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	y, err := d.elems(in.Y)
	if err != nil {
		return err
	}
	x, err := d.elems(in.X)
	if err != nil {
		return err
	}
	for i := range in.Dst.Len() {
		deg := math.Atan2(y.get(i), x.get(i)) * 180 / math.Pi
		if in.NoNegative && deg < 0 {
			deg += 360
		}
		dst.set(i, deg)
	}
	return nil
}

func (d *Device) pool(in hw.AvgPool) error {
	k := in.K
	if k <= 0 || in.Dst.C != in.Src.C || in.Dst.H*k != in.Src.H || in.Dst.W*k != in.Src.W {
		return errdefs.ShapeMismatch("avgpool", "dst %s src %s cell %d", in.Dst, in.Src, k)
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	src, err := d.elems(in.Src)
	if err != nil {
		return err
	}
	area := float64(k * k)
	for c := range in.Dst.C {
		for y := range in.Dst.H {
			for x := range in.Dst.W {
				var sum float64
				for dy := range k {
					row := (c*in.Src.H + y*k + dy) * in.Src.W
					for dx := range k {
						sum += src.get(row + x*k + dx)
					}
				}
				dst.set((c*in.Dst.H+y)*in.Dst.W+x, sum/area)
			}
		}
	}
	return nil
}

func (d *Device) convert(in hw.Convert) error {
	if err := sameShape("convert", in.Dst, in.Src); err != nil {
		return err
	}
	dst, err := d.elems(in.Dst)
	if err != nil {
		return err
	}
	src, err := d.elems(in.Src)
	if err != nil {
		return err
	}
	if in.Dst.Format == in.Src.Format {
		copy(dst.buf, src.buf)
		return nil
	}
	for i := range in.Dst.Len() {
		dst.set(i, src.get(i))
	}
	return nil
}
