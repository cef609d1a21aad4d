package ive

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/ops"
	"github.com/samcharles93/ive/internal/pipeline"
)

type (
	SubMode    = ops.SubMode
	Magnitude  = ops.Magnitude
	MagAngMode = ops.MagAngMode
	SADMode    = ops.SADMode
	SADOptions = ops.SADOptions
)

const (
	SubNormal = ops.SubNormal
	SubAbs    = ops.SubAbs

	MagL1        = ops.MagL1
	MagChebyshev = ops.MagChebyshev
	MagL2        = ops.MagL2

	MagAngBoth      = ops.MagAngBoth
	MagAngMagnitude = ops.MagAngMagnitude
	MagAngAngle     = ops.MagAngAngle

	SADSum       = ops.SADSum
	SADBoth      = ops.SADBoth
	SADThreshold = ops.SADThreshold
)

func formatOf(img *Image) Format {
	if img == nil {
		return device.Invalid
	}
	return img.Format()
}

func channelsOfImage(img *Image) int {
	if img == nil {
		return 1
	}
	return img.Channels()
}

func (h *Handle) exec1(ctx context.Context, op ops.Operator, inputs, outputs []*Image) error {
	_, err := h.run(ctx, op, inputs, outputs)
	return err
}

// runRelease runs op and then frees its staged kernels and tables. When the
// caller stops waiting early, freeing waits for the invocation to finish.
func (h *Handle) runRelease(ctx context.Context, op ops.Operator, inputs, outputs []*Image, release func() error) (*pipeline.Invocation, error) {
	inv, err := h.run(ctx, op, inputs, outputs)
	if err != nil && inv != nil && ctx.Err() != nil {
		go func() {
			<-inv.Done()
			if rerr := release(); rerr != nil {
				h.log.Warn("release after abandoned wait", "error", rerr)
			}
		}()
		return inv, err
	}
	return inv, errors.Join(err, release())
}

func (h *Handle) execRelease(ctx context.Context, op ops.Operator, inputs, outputs []*Image, release func() error) error {
	_, err := h.runRelease(ctx, op, inputs, outputs, release)
	return err
}

// Add writes the saturating sum a+b into dst.
func (h *Handle) Add(ctx context.Context, a, b, dst *Image) error {
	return h.exec1(ctx, ops.NewAdd(formatOf(a)), []*Image{a, b}, []*Image{dst})
}

// Sub writes a-b, or |a-b| with SubAbs, into dst.
func (h *Handle) Sub(ctx context.Context, a, b, dst *Image, mode SubMode) error {
	return h.exec1(ctx, ops.NewSub(formatOf(a), mode), []*Image{a, b}, []*Image{dst})
}

func (h *Handle) And(ctx context.Context, a, b, dst *Image) error {
	return h.exec1(ctx, ops.NewLogic(hw.OpAnd), []*Image{a, b}, []*Image{dst})
}

func (h *Handle) Or(ctx context.Context, a, b, dst *Image) error {
	return h.exec1(ctx, ops.NewLogic(hw.OpOr), []*Image{a, b}, []*Image{dst})
}

func (h *Handle) Xor(ctx context.Context, a, b, dst *Image) error {
	return h.exec1(ctx, ops.NewLogic(hw.OpXor), []*Image{a, b}, []*Image{dst})
}

// Threshold writes maxVal where src > low and minVal elsewhere.
func (h *Handle) Threshold(ctx context.Context, src, dst *Image, low, minVal, maxVal float64) error {
	return h.exec1(ctx, ops.NewThreshold(formatOf(src), low, minVal, maxVal), []*Image{src}, []*Image{dst})
}

// Filter convolves src with a square mask and divides by norm. Borders
// replicate the nearest pixel.
func (h *Handle) Filter(ctx context.Context, src, dst *Image, mask []float64, norm int) error {
	k, err := h.kernel(channelsOfImage(src), mask, filterKernelFormat(formatOf(src)))
	if err != nil {
		return err
	}
	return h.execRelease(ctx, ops.NewFilter(k, formatOf(src), norm), []*Image{src}, []*Image{dst}, k.Release)
}

// Dilate sets a pixel to 255 when any masked neighbour is non-zero. The mask
// holds only zeros and ones.
func (h *Handle) Dilate(ctx context.Context, src, dst *Image, mask []float64) error {
	k, err := h.kernel(channelsOfImage(src), mask, device.I8)
	if err != nil {
		return err
	}
	return h.execRelease(ctx, ops.NewDilate(k), []*Image{src}, []*Image{dst}, k.Release)
}

// Erode keeps a pixel at 255 only when every masked neighbour is non-zero.
// The mask holds only zeros and ones.
func (h *Handle) Erode(ctx context.Context, src, dst *Image, mask []float64) error {
	k, err := h.kernel(channelsOfImage(src), mask, device.I8)
	if err != nil {
		return err
	}
	return h.execRelease(ctx, ops.NewErode(k), []*Image{src}, []*Image{dst}, k.Release)
}

// Sobel writes the gradient magnitude of src into one destination, or the
// horizontal and vertical gradients into two.
func (h *Handle) Sobel(ctx context.Context, src *Image, dst []*Image, method Magnitude) error {
	if len(dst) != 1 && len(dst) != 2 {
		return errdefs.ShapeMismatch("sobel", "%d destinations, want 1 or 2", len(dst))
	}
	opts := ops.SobelOptions{Method: method, In: formatOf(src), Out: formatOf(dst[0])}
	if len(dst) == 2 {
		opts.Mode = ops.SobelGradients
	}
	op, release, err := h.sobel(channelsOfImage(src), opts)
	if err != nil {
		return err
	}
	return h.execRelease(ctx, op, []*Image{src}, dst, release)
}

// Block averages cell×cell blocks of src into dst, which is 1/cell the size.
func (h *Handle) Block(ctx context.Context, src, dst *Image, cell int) error {
	return h.exec1(ctx, ops.NewBlock(cell, formatOf(src)), []*Image{src}, []*Image{dst})
}

// Copy moves src into dst, converting with saturation when their formats
// differ.
func (h *Handle) Copy(ctx context.Context, src, dst *Image) error {
	return h.exec1(ctx, ops.NewCopy(formatOf(src), formatOf(dst)), []*Image{src}, []*Image{dst})
}

// MagAndAng writes the L2 magnitude and the direction in degrees of the
// gradients gx and gy. mag or ang may be nil when mode does not write it.
// With noNegative angles fall in [0, 360) instead of (-180, 180].
func (h *Handle) MagAndAng(ctx context.Context, gx, gy, mag, ang *Image, mode MagAngMode, noNegative bool) error {
	var dst []*Image
	switch mode {
	case MagAngBoth:
		dst = []*Image{mag, ang}
	case MagAngMagnitude:
		dst = []*Image{mag}
	case MagAngAngle:
		dst = []*Image{ang}
	default:
		return fmt.Errorf("magang: %s: %w", mode, ErrInvalidParam)
	}
	if slices.Contains(dst, nil) {
		return errdefs.ShapeMismatch("magang", "mode %s needs every destination it writes", mode)
	}
	op, release, err := h.magAndAng(ops.MagAndAngOptions{Mode: mode, NoNegative: noNegative, In: formatOf(gx), Out: formatOf(dst[0])})
	if err != nil {
		return err
	}
	return h.execRelease(ctx, op, []*Image{gx, gy}, dst, release)
}

// SAD sums |a-b| over a window×window neighbourhood of every pixel. dst
// holds the sum, the thresholded map, or both in that order, as opts.Mode
// selects; opts.Out is taken from dst.
func (h *Handle) SAD(ctx context.Context, a, b *Image, dst []*Image, window int, opts SADOptions) error {
	if len(dst) == 0 || dst[0] == nil {
		return errdefs.ShapeMismatch("sad", "no destination")
	}
	opts.Out = formatOf(dst[0])
	k, err := h.boxKernel(channelsOfImage(a), window)
	if err != nil {
		return err
	}
	return h.execRelease(ctx, ops.NewSAD(k, opts), []*Image{a, b}, dst, k.Release)
}

// Normalize stretches the values of src linearly onto the full range of
// dst's format, which is U8, I8, U16 or I16. The range of src is measured
// on the host first.
func (h *Handle) Normalize(ctx context.Context, src, dst *Image) error {
	lo, hi, err := h.imageRange(src)
	if err != nil {
		return err
	}
	return h.exec1(ctx, ops.NewNormalize(formatOf(src), formatOf(dst), lo, hi), []*Image{src}, []*Image{dst})
}

// AngleHistogram counts the angles in img, in degrees, into bins equal bins
// over [0, 360).
func (h *Handle) AngleHistogram(img *Image, bins int) ([]uint32, error) {
	if err := h.owns(img); err != nil {
		return nil, err
	}
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := img.Invalidate(); err != nil {
		return nil, err
	}
	return ops.AngleHistogram(img, bins)
}

func filterKernelFormat(f Format) Format {
	if f == device.BF16 {
		return device.BF16
	}
	return device.I8
}

func (h *Handle) kernel(channels int, mask []float64, f Format) (*ops.Kernel, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return ops.NewKernel(h.arena, channels, mask, f)
}

// sobel builds the operator with freshly generated kernels and tables.
func (h *Handle) sobel(channels int, opts ops.SobelOptions) (ops.Operator, func() error, error) {
	kx, err := h.kernel(channels, ops.SobelX, device.BF16)
	if err != nil {
		return nil, nil, err
	}
	ky, err := h.kernel(channels, ops.SobelY, device.BF16)
	if err != nil {
		return nil, nil, errors.Join(err, kx.Release())
	}
	var tables *ops.SqrtTables
	if opts.Mode == ops.SobelMagnitude && opts.Method == ops.MagL2 {
		if tables, err = h.sqrtTables(); err != nil {
			return nil, nil, errors.Join(err, kx.Release(), ky.Release())
		}
	}
	release := func() error {
		errs := []error{kx.Release(), ky.Release()}
		if tables != nil {
			errs = append(errs, tables.Release())
		}
		return errors.Join(errs...)
	}
	return ops.NewSobel(kx, ky, tables, opts), release, nil
}

func (h *Handle) magAndAng(opts ops.MagAndAngOptions) (ops.Operator, func() error, error) {
	var tables *ops.SqrtTables
	if opts.Mode != ops.MagAngAngle {
		var err error
		if tables, err = h.sqrtTables(); err != nil {
			return nil, nil, err
		}
	}
	release := func() error {
		if tables == nil {
			return nil
		}
		return tables.Release()
	}
	return ops.NewMagAndAng(tables, opts), release, nil
}

func (h *Handle) boxKernel(channels, size int) (*ops.Kernel, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return ops.NewBoxKernel(h.arena, channels, size)
}

// imageRange reads the smallest and largest value of img back to the host.
func (h *Handle) imageRange(img *Image) (lo, hi float64, err error) {
	if err := h.owns(img); err != nil {
		return 0, 0, err
	}
	done, err := h.use()
	if err != nil {
		return 0, 0, err
	}
	defer done()
	if err := img.Invalidate(); err != nil {
		return 0, 0, err
	}
	return ops.Range(img)
}

func (h *Handle) sqrtTables() (*ops.SqrtTables, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return ops.NewSqrtTables(h.arena)
}
