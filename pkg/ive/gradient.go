package ive

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/ops"
)

// HOGImages are the intermediates of HOG. Nil fields are allocated as BF16
// for the call and freed before it returns.
type HOGImages struct {
	GX, GY *Image
	Angle  *Image
	// Block is 1/cell the size of the source.
	Block *Image
}

// HOG computes the Sobel gradients of src, their direction in [0, 360),
// averages the direction over cell×cell blocks and counts the block angles
// into bins equal-width bins.
func (h *Handle) HOG(ctx context.Context, src *Image, im HOGImages, cell, bins int) ([]uint32, error) {
	if _, err := ops.AngleBin(0, bins); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errdefs.ShapeMismatch("hog", "no source image")
	}
	if cell < 1 || src.Width() < cell || src.Height() < cell {
		return nil, fmt.Errorf("hog: cell %d on %dx%d: %w", cell, src.Width(), src.Height(), ErrInvalidParam)
	}
	var temps []*Image
	defer func() {
		for _, img := range temps {
			if err := h.Free(img); err != nil {
				h.log.Warn("free hog intermediate", "error", err)
			}
		}
	}()
	alloc := func(img **Image, w, hgt int) error {
		if *img != nil {
			return nil
		}
		t, err := h.CreateMultiImage(device.BF16, src.Channels(), w, hgt)
		if err != nil {
			return err
		}
		temps = append(temps, t)
		*img = t
		return nil
	}
	w, hgt := src.Width(), src.Height()
	for _, a := range []struct {
		img  **Image
		w, h int
	}{{&im.GX, w, hgt}, {&im.GY, w, hgt}, {&im.Angle, w, hgt}, {&im.Block, w / cell, hgt / cell}} {
		if err := alloc(a.img, a.w, a.h); err != nil {
			return nil, err
		}
	}

	if err := h.Sobel(ctx, src, []*Image{im.GX, im.GY}, MagL2); err != nil {
		return nil, err
	}
	if err := h.MagAndAng(ctx, im.GX, im.GY, nil, im.Angle, MagAngAngle, true); err != nil {
		return nil, err
	}
	if err := h.Block(ctx, im.Angle, im.Block, cell); err != nil {
		return nil, err
	}
	return h.AngleHistogram(im.Block, bins)
}

// NormGradMode selects the outputs of NormGrad.
type NormGradMode uint8

const (
	// NormGradBoth writes the horizontal then the vertical gradient.
	NormGradBoth NormGradMode = iota
	NormGradHor
	NormGradVer
	// NormGradCombine writes the L2 magnitude of both gradients.
	NormGradCombine
)

func (m NormGradMode) String() string {
	switch m {
	case NormGradBoth:
		return "both"
	case NormGradHor:
		return "hor"
	case NormGradVer:
		return "ver"
	case NormGradCombine:
		return "combine"
	default:
		return fmt.Sprintf("normgrad(%d)", uint8(m))
	}
}

// NormGrad computes the Sobel gradients of src and stretches each requested
// result over the range of its destination format.
func (h *Handle) NormGrad(ctx context.Context, src *Image, dst []*Image, mode NormGradMode) (err error) {
	want := 1
	if mode == NormGradBoth {
		want = 2
	}
	if mode > NormGradCombine {
		return fmt.Errorf("normgrad: %s: %w", mode, ErrInvalidParam)
	}
	if len(dst) != want {
		return errdefs.ShapeMismatch("normgrad", "mode %s writes %d images, %d given", mode, want, len(dst))
	}
	if src == nil {
		return errdefs.ShapeMismatch("normgrad", "no source image")
	}
	var gx, gy *Image
	for _, g := range []**Image{&gx, &gy} {
		t, cerr := h.CreateMultiImage(device.BF16, src.Channels(), src.Width(), src.Height())
		if cerr != nil {
			return cerr
		}
		defer func() { err = errors.Join(err, h.Free(t)) }()
		*g = t
	}
	if err := h.Sobel(ctx, src, []*Image{gx, gy}, MagL2); err != nil {
		return err
	}

	var results []*Image
	switch mode {
	case NormGradBoth:
		results = []*Image{gx, gy}
	case NormGradHor:
		results = []*Image{gx}
	case NormGradVer:
		results = []*Image{gy}
	case NormGradCombine:
		// gx is no longer needed once the magnitude overwrites it.
		if err := h.MagAndAng(ctx, gx, gy, gx, nil, MagAngMagnitude, false); err != nil {
			return err
		}
		results = []*Image{gx}
	}
	for i, r := range results {
		if err := h.Normalize(ctx, r, dst[i]); err != nil {
			return err
		}
	}
	return nil
}
