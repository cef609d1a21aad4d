package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Format is the element format of an image or scratch tensor.
type Format uint8

const (
	Invalid Format = iota
	U8
	I8
	U16
	I16
	F16
	BF16
	U32
	I32
	F32
)

var formatNames = [...]string{
	Invalid: "invalid",
	U8:      "u8",
	I8:      "i8",
	U16:     "u16",
	I16:     "i16",
	F16:     "f16",
	BF16:    "bf16",
	U32:     "u32",
	I32:     "i32",
	F32:     "f32",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat accepts the lower-case names printed by String.
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range formatNames {
		if i > 0 && n == name {
			return Format(i), nil
		}
	}
	return Invalid, fmt.Errorf("unknown element format %q", s)
}

// Valid reports whether f is one of the defined formats.
func (f Format) Valid() bool {
	return f > Invalid && f <= F32
}

// Size is the element size in bytes.
func (f Format) Size() int {
	switch f {
	case U8, I8:
		return 1
	case U16, I16, F16, BF16:
		return 2
	case U32, I32, F32:
		return 4
	default:
		return 0
	}
}

func (f Format) Signed() bool {
	switch f {
	case I8, I16, I32, F16, BF16, F32:
		return true
	}
	return false
}

func (f Format) Float() bool {
	return f == F16 || f == BF16 || f == F32
}

// Range returns the representable integer range. Float formats report
// ±MaxFloat64 since they saturate to infinity instead.
func (f Format) Range() (lo, hi float64) {
	switch f {
	case U8:
		return 0, math.MaxUint8
	case I8:
		return math.MinInt8, math.MaxInt8
	case U16:
		return 0, math.MaxUint16
	case I16:
		return math.MinInt16, math.MaxInt16
	case U32:
		return 0, math.MaxUint32
	case I32:
		return math.MinInt32, math.MaxInt32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// Decode reads one little-endian element from b.
func (f Format) Decode(b []byte) float64 {
	switch f {
	case U8:
		return float64(b[0])
	case I8:
		return float64(int8(b[0]))
	case U16:
		return float64(binary.LittleEndian.Uint16(b))
	case I16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case F16:
		return float64(float16.Float16(binary.LittleEndian.Uint16(b)).Float32())
	case BF16:
		return float64(bfloat16.BFloat16(binary.LittleEndian.Uint16(b)).Float32())
	case U32:
		return float64(binary.LittleEndian.Uint32(b))
	case I32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case F32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		panic(fmt.Sprintf("device: decode of %s", f))
	}
}

// Encode writes v into b. Integer formats round half to even and saturate,
// NaN encodes as zero.
func (f Format) Encode(b []byte, v float64) {
	if !f.Float() {
		v = saturate(f, v)
	}
	switch f {
	case U8:
		b[0] = uint8(v)
	case I8:
		b[0] = uint8(int8(v))
	case U16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case I16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case F16:
		binary.LittleEndian.PutUint16(b, uint16(float16.Fromfloat32(float32(v))))
	case BF16:
		binary.LittleEndian.PutUint16(b, uint16(bfloat16.FromFloat32(float32(v))))
	case U32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case I32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case F32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		panic(fmt.Sprintf("device: encode of %s", f))
	}
}

// Round returns v as it would read back after Encode.
func (f Format) Round(v float64) float64 {
	var b [4]byte
	f.Encode(b[:], v)
	return f.Decode(b[:])
}

func saturate(f Format, v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := f.Range()
	v = math.RoundToEven(v)
	return min(max(v, lo), hi)
}

// BF16Bits returns the raw bfloat16 encoding of v.
func BF16Bits(v float32) uint16 {
	return uint16(bfloat16.FromFloat32(v))
}

// BF16Value decodes a raw bfloat16 encoding.
func BF16Value(bits uint16) float32 {
	return bfloat16.BFloat16(bits).Float32()
}
