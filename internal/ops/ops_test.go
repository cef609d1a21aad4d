package ops

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/hw/sim"
	"github.com/samcharles93/ive/internal/quant"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

type harness struct {
	t     *testing.T
	arena *device.Arena
	dev   *sim.Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	arena, err := device.NewArena(4<<20, device.WithHeap())
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { _ = arena.Close() })
	return &harness{t: t, arena: arena, dev: sim.New(arena, 256<<10)}
}

func (h *harness) image(f device.Format, rows, cols int, values []float64) *device.Image {
	h.t.Helper()
	img, err := device.NewImage(h.arena, device.ImageSpec{Kind: device.KindGray, Channels: 1, Height: rows, Width: cols, Format: f}, nil)
	if err != nil {
		h.t.Fatalf("NewImage: %v", err)
	}
	buf := make([]byte, rows*cols*f.Size())
	for i, v := range values {
		f.Encode(buf[i*f.Size():], v)
	}
	if err := img.WritePlane(0, buf); err != nil {
		h.t.Fatalf("WritePlane: %v", err)
	}
	return img
}

func (h *harness) kernel(mask []float64, f device.Format) *Kernel {
	h.t.Helper()
	k, err := NewKernel(h.arena, 1, mask, f)
	if err != nil {
		h.t.Fatalf("NewKernel: %v", err)
	}
	return k
}

func pixels(t *testing.T, img *device.Image) []float64 {
	t.Helper()
	data, err := img.ReadPlane(0)
	if err != nil {
		t.Fatalf("ReadPlane: %v", err)
	}
	f := img.Format()
	out := make([]float64, len(data)/f.Size())
	for i := range out {
		out[i] = f.Decode(data[i*f.Size():])
	}
	return out
}

func tensor(t *testing.T, img *device.Image) device.Tensor {
	t.Helper()
	ten, err := img.Tensor()
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}
	return ten
}

// run drives op over the whole image as a single tile.
func (h *harness) run(op Operator, inputs, outputs []*device.Image) {
	h.t.Helper()
	cfg, err := op.Configure()
	if err != nil {
		h.t.Fatalf("Configure: %v", err)
	}
	in := tiling.Extent{H: inputs[0].Height(), W: inputs[0].Width()}
	div := max(cfg.Geometry.OutDiv, 1)
	shape := tiling.Shape{In: in, Out: tiling.Extent{H: in.H / div, W: in.W / div}, Pad: cfg.Geometry.Pad}
	sc := &SetupContext{
		Alloc:    scratch.NewAllocator(h.dev.ScratchBytes(), cfg.Plan.Align),
		Staging:  h.dev,
		Channels: inputs[0].Channels(),
		Slots:    1,
	}
	b, err := op.Setup(sc, shape, true)
	if err != nil {
		h.t.Fatalf("Setup: %v", err)
	}
	for i, img := range inputs {
		h.dev.Load(b.In[0][i], tensor(h.t, img))
	}
	if err := op.Issue(h.dev, 0); err != nil {
		h.t.Fatalf("Issue: %v", err)
	}
	for o, img := range outputs {
		h.dev.Store(tensor(h.t, img), b.Out[0][o])
	}
	c, err := h.dev.Submit(context.Background())
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	if err := c.Wait(context.Background()); err != nil {
		h.t.Fatalf("Wait: %v", err)
	}
}

func expectPixels(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d pixels, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pixel %d: expected %v, got %v (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	op := NewAdd(device.U8)
	sc := &SetupContext{Alloc: scratch.NewAllocator(1024, 0), Staging: h.dev, Channels: 1, Slots: 2}
	shape := tiling.Shape{In: tiling.Extent{H: 2, W: 2}, Out: tiling.Extent{H: 2, W: 2}}

	if _, err := op.Setup(sc, shape, false); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected setup before configure to fail, got %v", err)
	}
	if err := op.Issue(h.dev, 0); !errors.Is(err, ErrNotBound) {
		t.Fatalf("expected issue before setup to fail, got %v", err)
	}
	if _, err := op.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	b, err := op.Setup(sc, shape, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(b.In) != 2 || len(b.In[1]) != 2 || b.Out[1][0].Addr != b.In[1][0].Addr {
		t.Fatalf("expected two slots with the output sharing input 0, got %+v", b)
	}
	if b.In[0][0].Addr == b.In[1][0].Addr {
		t.Fatal("expected distinct regions per slot")
	}
	if err := op.Issue(h.dev, 2); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected bad slot to fail, got %v", err)
	}
	if err := op.Issue(h.dev, 1); err != nil {
		t.Fatalf("Issue: %v", err)
	}
}

func TestSetupFitsPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	kx, ky := h.kernel(SobelX, device.BF16), h.kernel(SobelY, device.BF16)
	tables, err := NewSqrtTables(h.arena)
	if err != nil {
		t.Fatalf("NewSqrtTables: %v", err)
	}
	op := NewSobel(kx, ky, tables, SobelOptions{Method: MagL2, In: device.U8, Out: device.U8})
	cfg, err := op.Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	shape := tiling.Shape{In: tiling.Extent{H: 10, W: 12}, Out: tiling.Extent{H: 8, W: 12}, Pad: [4]int{1, 1, 0, 0}}
	need := cfg.Plan.TileBytes(shape.In, shape.Out, 1)
	alloc := scratch.NewAllocator(need, cfg.Plan.Align)
	sc := &SetupContext{Alloc: alloc, Staging: h.dev, Channels: 1, Slots: 2}
	if _, err := op.Setup(sc, shape, true); err != nil {
		t.Fatalf("expected setup to fit exactly %d bytes: %v", need, err)
	}
	if alloc.Used() != need {
		t.Fatalf("expected %d bytes used, got %d", need, alloc.Used())
	}
}

func TestAddU8(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.image(device.U8, 2, 2, []float64{200, 7, 0, 255})
	b := h.image(device.U8, 2, 2, []float64{100, 9, 0, 1})
	dst := h.image(device.U8, 2, 2, nil)
	h.run(NewAdd(device.U8), []*device.Image{a, b}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{255, 16, 0, 255})
}

func TestAddSignedAndBF16(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.image(device.I8, 1, 3, []float64{-100, 100, -1})
	b := h.image(device.I8, 1, 3, []float64{-100, 100, 2})
	dst := h.image(device.I8, 1, 3, nil)
	h.run(NewAdd(device.I8), []*device.Image{a, b}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{-128, 127, 1})

	fa := h.image(device.BF16, 1, 2, []float64{1.5, -2})
	fb := h.image(device.BF16, 1, 2, []float64{0.25, 0.5})
	fdst := h.image(device.BF16, 1, 2, nil)
	h.run(NewAdd(device.BF16), []*device.Image{fa, fb}, []*device.Image{fdst})
	expectPixels(t, pixels(t, fdst), []float64{1.75, -1.5})

	if _, err := NewAdd(device.F32).Configure(); !errors.Is(err, errdefs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestSubModes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.image(device.U8, 1, 3, []float64{10, 50, 0})
	b := h.image(device.U8, 1, 3, []float64{30, 20, 0})
	dst := h.image(device.U8, 1, 3, nil)
	h.run(NewSub(device.U8, SubNormal), []*device.Image{a, b}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{0, 30, 0})

	h.run(NewSub(device.U8, SubAbs), []*device.Image{a, b}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{20, 30, 0})
}

func TestLogic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.image(device.U8, 1, 2, []float64{0xf0, 0xaa})
	b := h.image(device.U8, 1, 2, []float64{0x3c, 0x55})
	dst := h.image(device.U8, 1, 2, nil)
	tests := []struct {
		kind hw.BinaryOp
		want []float64
	}{
		{kind: hw.OpAnd, want: []float64{0x30, 0}},
		{kind: hw.OpOr, want: []float64{0xfc, 0xff}},
		{kind: hw.OpXor, want: []float64{0xcc, 0xff}},
	}
	for _, tc := range tests {
		h.run(NewLogic(tc.kind), []*device.Image{a, b}, []*device.Image{dst})
		expectPixels(t, pixels(t, dst), tc.want)
	}
	if _, err := NewLogic(hw.OpAdd).Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected add to be rejected as a logic op, got %v", err)
	}
}

func TestThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := h.image(device.U8, 1, 4, []float64{0, 100, 101, 255})
	dst := h.image(device.U8, 1, 4, nil)
	h.run(NewThreshold(device.U8, 100, 10, 200), []*device.Image{src}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{10, 10, 200, 200})

	if _, err := NewThreshold(device.U8, 100, 0, 300).Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected out of range max to fail, got %v", err)
	}
}

func TestCopyConverts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := h.image(device.BF16, 1, 4, []float64{-3.5, 300, 2.5, 3.5})
	dst := h.image(device.U8, 1, 4, nil)
	h.run(NewCopy(device.BF16, device.U8), []*device.Image{src}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{0, 255, 2, 4})

	same := h.image(device.BF16, 1, 4, nil)
	h.run(NewCopy(device.BF16, device.BF16), []*device.Image{src}, []*device.Image{same})
	expectPixels(t, pixels(t, same), []float64{-3.5, 300, 2.5, 3.5})
}

func referenceFilter(src []float64, rows, cols int, mask []float64, scale quant.Scale) []float64 {
	k := int(math.Sqrt(float64(len(mask))))
	r := k / 2
	clampi := func(v, n int) int { return min(max(v, 0), n-1) }
	out := make([]float64, rows*cols)
	for y := range rows {
		for x := range cols {
			var acc int64
			for ky := range k {
				for kx := range k {
					v := src[clampi(y+ky-r, rows)*cols+clampi(x+kx-r, cols)]
					acc += int64(v) * int64(mask[ky*k+kx])
				}
			}
			out[y*cols+x] = device.U8.Round(float64(scale.Apply(acc)))
		}
	}
	return out
}

func TestFilterMatchesReference(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const rows, cols = 6, 7
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64((i%cols*13 + i/cols*29) % 256)
	}
	mask := []float64{1, 2, 1, 2, 4, 2, 1, 2, 1}
	src := h.image(device.U8, rows, cols, values)
	dst := h.image(device.U8, rows, cols, nil)
	h.run(NewFilter(h.kernel(mask, device.I8), device.U8, 16), []*device.Image{src}, []*device.Image{dst})

	want := referenceFilter(values, rows, cols, mask, quant.MustQuantize(1.0/16))
	expectPixels(t, pixels(t, dst), want)
}

func TestFilterConstantImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	values := make([]float64, 25)
	for i := range values {
		values[i] = 90
	}
	box := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}
	src := h.image(device.U8, 5, 5, values)
	dst := h.image(device.U8, 5, 5, nil)
	h.run(NewFilter(h.kernel(box, device.I8), device.U8, 9), []*device.Image{src}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), values)
}

func TestFilterConfigErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	box := h.kernel([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, device.I8)
	big := h.kernel(make([]float64, 49), device.I8)
	tests := []struct {
		name string
		op   Operator
		want error
	}{
		{name: "norm", op: NewFilter(box, device.U8, 0), want: ErrInvalidParam},
		{name: "size", op: NewFilter(big, device.U8, 1), want: errdefs.ErrShapeMismatch},
		{name: "kernel format", op: NewFilter(box, device.BF16, 1), want: errdefs.ErrUnsupportedFormat},
		{name: "missing kernel", op: NewFilter(nil, device.U8, 1), want: ErrInvalidParam},
		{name: "dilate mask", op: NewDilate(h.kernel([]float64{0, 2, 0, 1, 1, 1, 0, 1, 0}, device.I8)), want: ErrInvalidParam},
	}
	for _, tc := range tests {
		if _, err := tc.op.Configure(); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestKernelChannelMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	op := NewFilter(h.kernel([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, device.I8), device.U8, 9)
	if _, err := op.Configure(); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	sc := &SetupContext{Alloc: scratch.NewAllocator(4096, 0), Staging: h.dev, Channels: 3, Slots: 1}
	shape := tiling.Shape{In: tiling.Extent{H: 4, W: 4}, Out: tiling.Extent{H: 4, W: 4}, Pad: [4]int{1, 1, 1, 1}}
	if _, err := op.Setup(sc, shape, true); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestDilate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	values := make([]float64, 25)
	values[12] = 255
	src := h.image(device.U8, 5, 5, values)
	dst := h.image(device.U8, 5, 5, nil)
	cross := []float64{0, 1, 0, 1, 1, 1, 0, 1, 0}
	h.run(NewDilate(h.kernel(cross, device.I8)), []*device.Image{src}, []*device.Image{dst})
	want := []float64{
		0, 0, 0, 0, 0,
		0, 0, 255, 0, 0,
		0, 255, 255, 255, 0,
		0, 0, 255, 0, 0,
		0, 0, 0, 0, 0,
	}
	expectPixels(t, pixels(t, dst), want)
}

func gradients(src []float64, rows, cols int) (gx, gy []float64) {
	at := func(y, x int) float64 {
		if y < 0 || y >= rows || x < 0 || x >= cols {
			return 0
		}
		return src[y*cols+x]
	}
	gx = make([]float64, rows*cols)
	gy = make([]float64, rows*cols)
	for y := range rows {
		for x := range cols {
			var sx, sy float64
			for ky := range 3 {
				for kx := range 3 {
					v := at(y+ky-1, x+kx-1)
					sx += v * SobelX[ky*3+kx]
					sy += v * SobelY[ky*3+kx]
				}
			}
			gx[y*cols+x], gy[y*cols+x] = sx, sy
		}
	}
	return gx, gy
}

func sobelHarness(t *testing.T) (*harness, *Kernel, *Kernel, *SqrtTables) {
	t.Helper()
	h := newHarness(t)
	tables, err := NewSqrtTables(h.arena)
	if err != nil {
		t.Fatalf("NewSqrtTables: %v", err)
	}
	return h, h.kernel(SobelX, device.BF16), h.kernel(SobelY, device.BF16), tables
}

func TestSobelL2MatchesReference(t *testing.T) {
	t.Parallel()

	h, kx, ky, tables := sobelHarness(t)
	const rows, cols = 8, 10
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64((i*37 + (i/cols)*11) % 256)
	}
	src := h.image(device.U8, rows, cols, values)
	dst := h.image(device.BF16, rows, cols, nil)
	op := NewSobel(kx, ky, tables, SobelOptions{Method: MagL2, In: device.U8, Out: device.BF16})
	h.run(op, []*device.Image{src}, []*device.Image{dst})

	gx, gy := gradients(values, rows, cols)
	got := pixels(t, dst)
	for i := range got {
		want := math.Hypot(gx[i], gy[i])
		if math.Abs(got[i]-want) > 0.03*want+1 {
			t.Fatalf("pixel %d: expected ~%v, got %v", i, want, got[i])
		}
	}
}

func TestSobelL1AndChebyshev(t *testing.T) {
	t.Parallel()

	h, kx, ky, tables := sobelHarness(t)
	const rows, cols = 5, 6
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64((i * 7) % 32)
	}
	src := h.image(device.U8, rows, cols, values)
	gx, gy := gradients(values, rows, cols)

	tests := []struct {
		method Magnitude
		mag    func(x, y float64) float64
	}{
		{method: MagL1, mag: func(x, y float64) float64 { return math.Abs(x) + math.Abs(y) }},
		{method: MagChebyshev, mag: func(x, y float64) float64 { return max(math.Abs(x), math.Abs(y)) }},
	}
	for _, tc := range tests {
		dst := h.image(device.U16, rows, cols, nil)
		op := NewSobel(kx, ky, tables, SobelOptions{Method: tc.method, In: device.U8, Out: device.U16})
		h.run(op, []*device.Image{src}, []*device.Image{dst})
		want := make([]float64, len(values))
		for i := range want {
			want[i] = tc.mag(gx[i], gy[i])
		}
		expectPixels(t, pixels(t, dst), want)
	}
}

func TestSobelGradients(t *testing.T) {
	t.Parallel()

	h, kx, ky, _ := sobelHarness(t)
	const rows, cols = 4, 5
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64(i * 3)
	}
	src := h.image(device.U8, rows, cols, values)
	dx := h.image(device.I16, rows, cols, nil)
	dy := h.image(device.I16, rows, cols, nil)
	op := NewSobel(kx, ky, nil, SobelOptions{Mode: SobelGradients, In: device.U8, Out: device.I16})
	h.run(op, []*device.Image{src}, []*device.Image{dx, dy})

	gx, gy := gradients(values, rows, cols)
	expectPixels(t, pixels(t, dx), gx)
	expectPixels(t, pixels(t, dy), gy)
}

func TestSobelNeedsTables(t *testing.T) {
	t.Parallel()

	h, kx, ky, _ := sobelHarness(t)
	op := NewSobel(kx, ky, nil, SobelOptions{Method: MagL2, In: device.U8, Out: device.U8})
	if _, err := op.Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected missing tables to fail, got %v", err)
	}
	i8 := h.kernel(SobelX, device.I8)
	op = NewSobel(i8, ky, nil, SobelOptions{Method: MagL1, In: device.U8, Out: device.U8})
	if _, err := op.Configure(); !errors.Is(err, errdefs.ErrUnsupportedFormat) {
		t.Fatalf("expected integer kernel to be rejected, got %v", err)
	}
}

func TestBlock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := h.image(device.U8, 4, 4, []float64{
		1, 3, 10, 10,
		5, 7, 10, 14,
		0, 0, 255, 255,
		0, 4, 255, 255,
	})
	dst := h.image(device.U8, 2, 2, nil)
	h.run(NewBlock(2, device.U8), []*device.Image{src}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{4, 11, 1, 255})

	cfg, err := NewBlock(4, device.U8).Configure()
	if err != nil || cfg.Geometry.Granule != 4 || cfg.Geometry.OutDiv != 4 {
		t.Fatalf("expected granule and divisor 4, got %+v err=%v", cfg.Geometry, err)
	}
}

func TestAngleBin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		deg     float64
		bins    int
		want    int
		wantErr bool
	}{
		{deg: 0, bins: 8, want: 0},
		{deg: 44.9, bins: 8, want: 0},
		{deg: 45, bins: 8, want: 1},
		{deg: 359.9, bins: 8, want: 7},
		{deg: 360, bins: 8, want: 0},
		{deg: -45, bins: 8, want: 7},
		{deg: 120, bins: 9, want: 3},
		{deg: 361, bins: 8, wantErr: true},
		{deg: -400, bins: 8, wantErr: true},
		{deg: math.NaN(), bins: 8, wantErr: true},
		{deg: 10, bins: 0, wantErr: true},
	}
	for _, tc := range tests {
		got, err := AngleBin(tc.deg, tc.bins)
		if tc.wantErr {
			if err == nil {
				t.Errorf("AngleBin(%v, %d): expected error, got %d", tc.deg, tc.bins, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("AngleBin(%v, %d) = %d, %v; expected %d", tc.deg, tc.bins, got, err, tc.want)
		}
	}
}

func TestAngleHistogram(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	img := h.image(device.BF16, 2, 3, []float64{0, 90, 180, 270, 360, -90})
	hist, err := AngleHistogram(img, 4)
	if err != nil {
		t.Fatalf("AngleHistogram: %v", err)
	}
	want := []uint32{2, 1, 1, 2}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, hist)
		}
	}
	if _, err := AngleHistogram(h.image(device.U8, 1, 1, nil), 4); !errors.Is(err, errdefs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
}

func TestSqrtTables(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tables, err := NewSqrtTables(h.arena)
	if err != nil {
		t.Fatalf("NewSqrtTables: %v", err)
	}
	exp, mant := pixels(t, tables.Exp), pixels(t, tables.Mant)
	if len(exp) != 256 || len(mant) != 256 {
		t.Fatalf("expected 256 entries, got %d and %d", len(exp), len(mant))
	}
	if exp[127] != 1 || exp[129] != 2 || exp[125] != 0.5 {
		t.Fatalf("unexpected exponent entries %v %v %v", exp[125], exp[127], exp[129])
	}
	if mant[0] != 1 || math.Abs(mant[128]-math.Sqrt2) > 0.01 {
		t.Fatalf("unexpected mantissa entries %v %v", mant[0], mant[128])
	}
	if err := tables.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestNewKernelErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if _, err := NewKernel(h.arena, 1, []float64{1, 2, 3, 4}, device.I8); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("expected even mask to fail, got %v", err)
	}
	if _, err := NewKernel(h.arena, 1, []float64{200}, device.I8); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected out of range weight to fail, got %v", err)
	}
	if _, err := NewKernel(h.arena, 1, []float64{1}, device.U16); !errors.Is(err, errdefs.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	k, err := NewKernel(h.arena, 3, SobelX, device.BF16)
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	if k.Bytes() != 3*9*2 || k.Image.Channels() != 3 {
		t.Fatalf("expected 3 channels of 9 bf16 weights, got %d bytes", k.Bytes())
	}
}

func TestErode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	values := make([]float64, 25)
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			values[y*5+x] = 255
		}
	}
	src := h.image(device.U8, 5, 5, values)
	dst := h.image(device.U8, 5, 5, nil)
	cross := []float64{0, 1, 0, 1, 1, 1, 0, 1, 0}
	h.run(NewErode(h.kernel(cross, device.I8)), []*device.Image{src}, []*device.Image{dst})
	want := make([]float64, 25)
	want[12] = 255
	expectPixels(t, pixels(t, dst), want)

	// Edge pixels repeat outward, so a full image survives erosion.
	full := make([]float64, 12)
	for i := range full {
		full[i] = 255
	}
	src = h.image(device.U8, 3, 4, full)
	dst = h.image(device.U8, 3, 4, nil)
	h.run(NewErode(h.kernel(cross, device.I8)), []*device.Image{src}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), full)

	if _, err := NewErode(h.kernel([]float64{0, 1, 0, 1, 3, 1, 0, 1, 0}, device.I8)).Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected mask value 3 to fail, got %v", err)
	}
}

func TestMagAndAng(t *testing.T) {
	t.Parallel()

	h, _, _, tables := sobelHarness(t)
	gx := h.image(device.BF16, 1, 5, []float64{3, 0, -4, 0, 3})
	gy := h.image(device.BF16, 1, 5, []float64{4, 5, 0, 0, -4})
	mag := h.image(device.BF16, 1, 5, nil)
	ang := h.image(device.BF16, 1, 5, nil)

	op := NewMagAndAng(tables, MagAndAngOptions{Mode: MagAngBoth, In: device.BF16, Out: device.BF16})
	h.run(op, []*device.Image{gx, gy}, []*device.Image{mag, ang})
	wantMag := []float64{5, 5, 4, 0, 5}
	for i, v := range pixels(t, mag) {
		if math.Abs(v-wantMag[i]) > 0.03*wantMag[i]+0.01 {
			t.Fatalf("magnitude %d: expected ~%v, got %v", i, wantMag[i], v)
		}
	}
	signed := []float64{53.13, 90, 180, 0, -53.13}
	for i, v := range pixels(t, ang) {
		if math.Abs(v-signed[i]) > 0.5 {
			t.Fatalf("angle %d: expected ~%v, got %v", i, signed[i], v)
		}
	}

	op = NewMagAndAng(nil, MagAndAngOptions{Mode: MagAngAngle, NoNegative: true, In: device.BF16, Out: device.BF16})
	h.run(op, []*device.Image{gx, gy}, []*device.Image{ang})
	unsigned := []float64{53.13, 90, 180, 0, 306.87}
	for i, v := range pixels(t, ang) {
		if math.Abs(v-unsigned[i]) > 1.5 {
			t.Fatalf("angle %d: expected ~%v, got %v", i, unsigned[i], v)
		}
	}
}

func TestMagAndAngConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts MagAndAngOptions
		want error
	}{
		{"magnitude without tables", MagAndAngOptions{Mode: MagAngMagnitude, In: device.BF16, Out: device.BF16}, ErrInvalidParam},
		{"input format", MagAndAngOptions{Mode: MagAngAngle, In: device.U8, Out: device.BF16}, errdefs.ErrUnsupportedFormat},
		{"output format", MagAndAngOptions{Mode: MagAngAngle, In: device.I16, Out: device.U8}, errdefs.ErrUnsupportedFormat},
		{"mode", MagAndAngOptions{Mode: 7, In: device.I16, Out: device.I16}, ErrInvalidParam},
	}
	for _, tc := range tests {
		if _, err := NewMagAndAng(nil, tc.opts).Configure(); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	cfg, err := NewMagAndAng(nil, MagAndAngOptions{Mode: MagAngAngle, In: device.I16, Out: device.I16}).Configure()
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if cfg.Plan.Tables != 0 || len(cfg.OutFormats) != 1 {
		t.Fatalf("angle only needs no tables and one output, got %+v", cfg)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := h.image(device.U16, 1, 4, []float64{400, 0, 1020, 200})
	lo, hi, err := Range(src)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if lo != 0 || hi != 1020 {
		t.Fatalf("expected range [0, 1020], got [%v, %v]", lo, hi)
	}

	tests := []struct {
		out  device.Format
		want []float64
	}{
		{device.U8, []float64{100, 0, 255, 50}},
		{device.I8, []float64{-28, -128, 127, -78}},
		{device.U16, []float64{25700, 0, 65535, 12850}},
	}
	for _, tc := range tests {
		dst := h.image(tc.out, 1, 4, nil)
		h.run(NewNormalize(device.U16, tc.out, lo, hi), []*device.Image{src}, []*device.Image{dst})
		expectPixels(t, pixels(t, dst), tc.want)
	}

	flat := h.image(device.BF16, 1, 3, []float64{7, 7, 7})
	lo, hi, err = Range(flat)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	dst := h.image(device.I8, 1, 3, nil)
	h.run(NewNormalize(device.BF16, device.I8, lo, hi), []*device.Image{flat}, []*device.Image{dst})
	expectPixels(t, pixels(t, dst), []float64{-128, -128, -128})

	if _, err := NewNormalize(device.U8, device.U8, 5, 1).Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected reversed range to fail, got %v", err)
	}
	if _, err := NewNormalize(device.U8, device.BF16, 0, 1).Configure(); !errors.Is(err, errdefs.ErrUnsupportedFormat) {
		t.Fatalf("expected float output to fail, got %v", err)
	}
}

func TestSAD(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const n = 6
	a := make([]float64, n*n)
	b := make([]float64, n*n)
	for i := range a {
		a[i], b[i] = 10, 10
	}
	b[2*n+2] = 30
	srcA, srcB := h.image(device.U8, n, n, a), h.image(device.U8, n, n, b)
	window, err := NewBoxKernel(h.arena, 1, 4)
	if err != nil {
		t.Fatalf("NewBoxKernel: %v", err)
	}
	sum := h.image(device.U16, n, n, nil)
	mask := h.image(device.U16, n, n, nil)
	op := NewSAD(window, SADOptions{Mode: SADBoth, Out: device.U16, Thr: 10, Min: 0, Max: 255})
	h.run(op, []*device.Image{srcA, srcB}, []*device.Image{sum, mask})

	// A 4×4 window spans one pixel before the centre and two after, so the
	// difference at (2,2) reaches every pixel in rows and columns 0..3.
	wantSum := make([]float64, n*n)
	wantMask := make([]float64, n*n)
	for y := range 4 {
		for x := range 4 {
			wantSum[y*n+x] = 20
			wantMask[y*n+x] = 255
		}
	}
	expectPixels(t, pixels(t, sum), wantSum)
	expectPixels(t, pixels(t, mask), wantMask)

	// 8-bit sums saturate.
	for i := range b {
		b[i] = 255
	}
	srcB = h.image(device.U8, n, n, b)
	narrow := h.image(device.U8, n, n, nil)
	h.run(NewSAD(window, SADOptions{Mode: SADSum, Out: device.U8}), []*device.Image{srcA, srcB}, []*device.Image{narrow})
	for i, v := range pixels(t, narrow) {
		if v != 255 {
			t.Fatalf("pixel %d: expected saturated 255, got %v", i, v)
		}
	}

	if _, err := NewSAD(h.kernel([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, device.I8), SADOptions{Out: device.U8}).Configure(); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("expected a 3x3 window to fail, got %v", err)
	}
	if _, err := NewSAD(window, SADOptions{Mode: SADThreshold, Out: device.U8, Max: 300}).Configure(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected max 300 to fail for u8, got %v", err)
	}
}
