package ops

import (
	"fmt"
	"math"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
)

// AngleBin maps an angle in degrees to one of bins equal-width bins over
// [0, 360). Bins are half-open, negative angles wrap once, and exactly 360
// wraps to bin 0. Any other angle that does not land in [0, bins) is an
// error.
func AngleBin(deg float64, bins int) (int, error) {
	if bins < 1 || bins > 360 {
		return 0, fmt.Errorf("angle histogram: %d bins: %w", bins, ErrInvalidParam)
	}
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0, errdefs.InvalidRegion("angle histogram", "angle %v is not finite", deg)
	}
	if deg < 0 {
		deg += 360
	}
	if deg == 360 {
		deg = 0
	}
	width := 360 / float64(bins)
	idx := int(math.Floor(deg / width))
	if idx == bins && deg < 360 {
		// rounding just below 360
		idx = bins - 1
	}
	if idx < 0 || idx >= bins {
		return 0, errdefs.InvalidRegion("angle histogram", "angle %v falls outside %d bins", deg, bins)
	}
	return idx, nil
}

// AngleHistogram counts the angles stored in every plane of img.
func AngleHistogram(img *device.Image, bins int) ([]uint32, error) {
	if img == nil {
		return nil, fmt.Errorf("angle histogram: nil image: %w", ErrInvalidParam)
	}
	if img.Format() != device.BF16 && img.Format() != device.F32 && img.Format() != device.I16 {
		return nil, errdefs.UnsupportedFormat("angle histogram", "angles stored as %s", img.Format())
	}
	if _, err := AngleBin(0, bins); err != nil {
		return nil, err
	}
	hist := make([]uint32, bins)
	es := img.Format().Size()
	for p := range img.Planes() {
		data, err := img.ReadPlane(p)
		if err != nil {
			return nil, err
		}
		for off := 0; off+es <= len(data); off += es {
			idx, err := AngleBin(img.Format().Decode(data[off:]), bins)
			if err != nil {
				return nil, err
			}
			hist[idx]++
		}
	}
	return hist, nil
}
