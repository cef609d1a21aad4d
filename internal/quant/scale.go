// Package quant converts real multipliers to the fixed-point form consumed by
// the accelerator's scaling units.
package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/samcharles93/ive/internal/errdefs"
)

// Scale represents Mantissa / 2^31 * 2^-Shift.
type Scale struct {
	Mantissa uint32
	Shift    int
}

// ErrOutOfRange is returned for multipliers outside (0, 1].
var ErrOutOfRange = errors.New("multiplier out of range")

// Identity is the scale closest to 1.0.
var Identity = Scale{Mantissa: math.MaxInt32, Shift: 0}

// QuantizeMultiplier converts m in (0, 1] to a Scale. The mantissa is
// normalised into [2^30, 2^31) by doubling m until it reaches [0.5, 1).
func QuantizeMultiplier(m float64) (Scale, error) {
	if !(m > 0) || m > 1 || math.IsNaN(m) {
		return Scale{}, fmt.Errorf("quantize: multiplier %v outside (0, 1]: %w", m, ErrOutOfRange)
	}
	if m == 1 {
		return Identity, nil
	}
	shift := 0
	for m < 0.5 {
		m *= 2
		shift++
	}
	q := int64(math.Round(m * (1 << 31)))
	if q == 1<<31 {
		// m rounded up to 1.0
		if shift == 0 {
			return Identity, nil
		}
		q /= 2
		shift--
	}
	return Scale{Mantissa: uint32(q), Shift: shift}, nil
}

// MustQuantize is QuantizeMultiplier for constants known to be in range.
func MustQuantize(m float64) Scale {
	s, err := QuantizeMultiplier(m)
	if err != nil {
		panic(err)
	}
	return s
}

// Float64 decodes the scale.
func (s Scale) Float64() float64 {
	return float64(s.Mantissa) / (1 << 31) * math.Exp2(-float64(s.Shift))
}

// Apply multiplies an accumulator by the scale with rounding half away from
// zero, as the scaling unit does.
func (s Scale) Apply(acc int64) int64 {
	n := uint(31 + s.Shift)
	neg := acc < 0
	if neg {
		acc = -acc
	}
	hi, lo := bits.Mul64(uint64(acc), uint64(s.Mantissa))
	if n <= 64 {
		var carry uint64
		lo, carry = bits.Add64(lo, 1<<(n-1), 0)
		hi += carry
	} else {
		hi += 1 << (n - 65)
	}
	var out uint64
	if n < 64 {
		out = hi<<(64-n) | lo>>n
	} else {
		out = hi >> (n - 64)
	}
	if neg {
		return -int64(out)
	}
	return int64(out)
}

func (s Scale) String() string {
	return fmt.Sprintf("%d>>%d (%.9g)", s.Mantissa, s.Shift, s.Float64())
}

// ChannelBytes is the packed size of one channel's calibration record.
const ChannelBytes = 5

// PackPerChannel lays out one scale per channel as the accelerator's
// per-channel calibration block: a little-endian 32-bit mantissa followed by
// an unsigned 8-bit shift.
func PackPerChannel(scales []Scale) ([]byte, error) {
	out := make([]byte, len(scales)*ChannelBytes)
	for i, s := range scales {
		if s.Shift < 0 || s.Shift > math.MaxUint8 {
			return nil, errdefs.New(errdefs.ErrUnsupportedFormat, "pack", "channel %d shift %d does not fit in a byte", i, s.Shift)
		}
		rec := out[i*ChannelBytes:]
		binary.LittleEndian.PutUint32(rec, s.Mantissa)
		rec[4] = uint8(s.Shift)
	}
	return out, nil
}

// UnpackPerChannel reverses PackPerChannel.
func UnpackPerChannel(data []byte) ([]Scale, error) {
	if len(data)%ChannelBytes != 0 {
		return nil, errdefs.New(errdefs.ErrShapeMismatch, "unpack", "%d bytes is not a whole number of channels", len(data))
	}
	out := make([]Scale, len(data)/ChannelBytes)
	for i := range out {
		rec := data[i*ChannelBytes:]
		out[i] = Scale{Mantissa: binary.LittleEndian.Uint32(rec), Shift: int(rec[4])}
	}
	return out, nil
}
