package hw

import "github.com/samcharles93/ive/internal/quant"

// BinaryOp selects the elementwise operation of a Binary instruction.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota
	OpSub
	OpAbsDiff
	OpMul
	OpMac // Dst += A * B
	OpMax
	OpMin
	OpAnd
	OpOr
	OpXor
)

var binaryNames = [...]string{
	OpAdd:     "add",
	OpSub:     "sub",
	OpAbsDiff: "absdiff",
	OpMul:     "mul",
	OpMac:     "mac",
	OpMax:     "max",
	OpMin:     "min",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
}

func (op BinaryOp) String() string {
	if int(op) < len(binaryNames) {
		return binaryNames[op]
	}
	return "binary"
}

// Binary is an elementwise operation over equally shaped tensors. When B is
// nil the scalar Const is used as the second operand.
type Binary struct {
	Kind  BinaryOp
	Dst   Local
	A     Local
	B     *Local
	Const float64
	Relu  bool
}

// Add adds two 8-bit tensors with 16-bit precision: each operand with a
// high tensor is low + 256*high. Without DstHigh the sum saturates into Dst.
type Add struct {
	Dst     Local
	DstHigh *Local
	A       Local
	AHigh   *Local
	B       Local
	BHigh   *Local
}

// Threshold writes Max where Src > Low and Min elsewhere.
type Threshold struct {
	Dst Local
	Src Local
	Low float64
	Min float64
	Max float64
}

// DepthwiseConv applies a per-channel KH×KW kernel. Pad is left, right, top,
// bottom padding, zero unless Replicate repeats the nearest edge element.
// Integer accumulators are scaled by Scale (zero value means unscaled);
// float accumulators by Multiplier (zero means 1).
type DepthwiseConv struct {
	Dst        Local
	Src        Local
	Weights    Local
	KH, KW     int
	Pad        [4]int
	Replicate  bool
	Scale      quant.Scale
	Multiplier float64
	Relu       bool
}

// SqrtLUT computes a bfloat16 square root from an exponent table indexed by
// the biased exponent and a mantissa table indexed by exponent parity and
// the top mantissa bits.
type SqrtLUT struct {
	Dst  Local
	Src  Local
	Exp  Local
	Mant Local
}

// Atan2 writes the direction of the vector (X, Y) in degrees, in
// (-180, 180]. With NoNegative negative angles are shifted into [0, 360).
type Atan2 struct {
	Dst        Local
	Y          Local
	X          Local
	NoNegative bool
}

// AvgPool averages non-overlapping K×K cells.
type AvgPool struct {
	Dst Local
	Src Local
	K   int
}

// Convert copies Src into Dst converting the element format.
type Convert struct {
	Dst Local
	Src Local
}

func (b Binary) Op() string      { return b.Kind.String() }
func (Add) Op() string           { return "add" }
func (Threshold) Op() string     { return "threshold" }
func (DepthwiseConv) Op() string { return "dwconv" }
func (SqrtLUT) Op() string       { return "sqrtlut" }
func (Atan2) Op() string         { return "atan2" }
func (AvgPool) Op() string       { return "avgpool" }
func (Convert) Op() string       { return "convert" }
