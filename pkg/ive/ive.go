// Package ive is the public entry point of the engine: one handle owns a
// device arena and a backend, and every operator is a single call on it.
package ive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/hw/sim"
	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/internal/ops"
	"github.com/samcharles93/ive/internal/pipeline"
	"github.com/samcharles93/ive/internal/tiling"
)

type (
	Image  = device.Image
	Format = device.Format
	Kind   = device.Kind
	Plan   = tiling.Plan
)

const (
	U8   = device.U8
	I8   = device.I8
	U16  = device.U16
	I16  = device.I16
	BF16 = device.BF16
	F32  = device.F32

	Gray       = device.KindGray
	RGBPlanar  = device.KindRGBPlanar
	RGBPacked  = device.KindRGBPacked
	RGBAPlanar = device.KindRGBAPlanar
	YUV420     = device.KindYUV420
	YUV422     = device.KindYUV422
)

var (
	ErrClosed       = errors.New("ive: handle closed")
	ErrInvalidParam = ops.ErrInvalidParam
)

// Config is everything New needs. Zero fields take DefaultConfig values
// except the booleans, which are used as given.
type Config struct {
	Backend        string
	DeviceBytes    int
	ScratchBytes   int
	DoubleBuffer   bool
	TilesPerSubmit int
	Balanced       bool
	MaxTileH       int
	MaxTileW       int
	// AlignBytes and AlignMinSize select the size-class alignment policy of
	// device memory. AlignBytes <= 1 disables it.
	AlignBytes   int
	AlignMinSize int
	// Heap backs device memory with the Go heap instead of a mapping.
	Heap   bool
	Logger logger.Logger
}

func DefaultConfig() Config {
	return Config{
		Backend:      hw.Auto,
		DeviceBytes:  64 << 20,
		ScratchBytes: sim.DefaultScratchBytes,
		DoubleBuffer: true,
		AlignBytes:   4096,
		AlignMinSize: 4096,
	}
}

// Handle owns device memory, a backend and an executor. Operator calls on
// one handle are safe for concurrent use; they serialize on scratch.
type Handle struct {
	cfg   Config
	log   logger.Logger
	arena *device.Arena
	dev   *sim.Device
	exec  *pipeline.Executor

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config) (*Handle, error) {
	def := DefaultConfig()
	if cfg.DeviceBytes <= 0 {
		cfg.DeviceBytes = def.DeviceBytes
	}
	if cfg.ScratchBytes <= 0 {
		cfg.ScratchBytes = def.ScratchBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	backend, err := hw.Normalize(cfg.Backend)
	if err != nil {
		return nil, err
	}
	// auto resolves to the only backend built in
	if backend == hw.Auto {
		backend = hw.Sim
	}
	cfg.Backend = backend

	opts := []device.ArenaOption{device.WithAlign(device.SizeClassAlign{Bytes: cfg.AlignBytes, MinSize: cfg.AlignMinSize})}
	if cfg.Heap {
		opts = append(opts, device.WithHeap())
	}
	arena, err := device.NewArena(cfg.DeviceBytes, opts...)
	if err != nil {
		return nil, fmt.Errorf("ive: device memory: %w", err)
	}
	log := cfg.Logger.With("backend", backend)
	dev := sim.New(arena, cfg.ScratchBytes, sim.WithLogger(log))
	exec := pipeline.New(dev,
		pipeline.WithLogger(log),
		pipeline.WithDoubleBuffer(cfg.DoubleBuffer),
		pipeline.WithTilesPerSubmit(cfg.TilesPerSubmit),
		pipeline.WithBalancedTiles(cfg.Balanced),
		pipeline.WithMaxTile(cfg.MaxTileH, cfg.MaxTileW),
	)
	log.Debug("handle ready", "device_bytes", cfg.DeviceBytes, "scratch_bytes", cfg.ScratchBytes)
	return &Handle{cfg: cfg, log: log, arena: arena, dev: dev, exec: exec}, nil
}

func (h *Handle) Config() Config               { return h.cfg }
func (h *Handle) Backend() string              { return h.dev.Name() }
func (h *Handle) ScratchBytes() int            { return h.dev.ScratchBytes() }
func (h *Handle) Executor() *pipeline.Executor { return h.exec }
func (h *Handle) MemoryStats() device.Stats    { return h.arena.Stats() }
func (h *Handle) Arena() *device.Arena         { return h.arena }

// Close releases device memory. Images created from the handle become
// unusable.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	// wait out an invocation whose caller stopped waiting
	if err := h.dev.AcquireScratch(context.Background()); err == nil {
		defer h.dev.ReleaseScratch()
	}
	return h.arena.Close()
}

// use guards an operation against Close. The returned func must be called.
func (h *Handle) use() (func(), error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrClosed
	}
	return h.mu.RUnlock, nil
}

// CreateImage allocates a kind image of height×width elements of format f.
// The channel count comes from the kind; YUV420 chroma planes are half size
// in both directions.
func (h *Handle) CreateImage(kind Kind, f Format, width, height int) (*Image, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	switch kind {
	case device.KindYUV420:
		cw, ch := (width+1)/2, (height+1)/2
		return device.NewImageFromStrides(h.arena, height, width, []int{width, cw, cw}, []int{height, ch, ch}, kind, f, nil)
	case device.KindYUV422:
		return device.NewImageFromStrides(h.arena, height, width, []int{2 * width}, []int{height}, kind, f, nil)
	}
	return device.NewImage(h.arena, device.ImageSpec{Kind: kind, Channels: channelsOf(kind), Height: height, Width: width, Format: f}, nil)
}

// CreateMultiImage allocates a planar image with an arbitrary channel count.
func (h *Handle) CreateMultiImage(f Format, channels, width, height int) (*Image, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return device.NewImage(h.arena, device.ImageSpec{Kind: device.KindMulti, Channels: channels, Height: height, Width: width, Format: f}, nil)
}

// CreateImageFromStrides allocates an image with explicit per-plane strides
// and heights, as needed for subsampled YUV.
func (h *Handle) CreateImageFromStrides(kind Kind, f Format, width, height int, strides, heights []int) (*Image, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return device.NewImageFromStrides(h.arena, height, width, strides, heights, kind, f, nil)
}

// ImportImage wraps externally owned frame memory without copying it.
func (h *Handle) ImportImage(kind Kind, f Format, width, height int, strides, heights, lengths []int, data []byte) (*Image, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	return device.ImportImage(h.arena, height, width, strides, heights, lengths, data, kind, f)
}

// SubImage returns a non-owning view of the window (x1, y1) to (x2, y2).
func (h *Handle) SubImage(img *Image, x1, y1, x2, y2 int) (*Image, error) {
	if err := h.owns(img); err != nil {
		return nil, err
	}
	return img.SubRegion(x1, y1, x2, y2)
}

// Free releases an image. Freeing a view is a no-op.
func (h *Handle) Free(img *Image) error {
	if img == nil {
		return nil
	}
	done, err := h.use()
	if err != nil {
		return err
	}
	defer done()
	return img.Release()
}

// Write fills plane p of img from a dense row-major buffer and publishes it
// to the device.
func (h *Handle) Write(img *Image, p int, data []byte) error {
	if err := h.owns(img); err != nil {
		return err
	}
	if err := img.WritePlane(p, data); err != nil {
		return err
	}
	return img.Flush()
}

// Read copies plane p of img into a dense row-major buffer.
func (h *Handle) Read(img *Image, p int) ([]byte, error) {
	if err := h.owns(img); err != nil {
		return nil, err
	}
	if err := img.Invalidate(); err != nil {
		return nil, err
	}
	return img.ReadPlane(p)
}

// Upload fills every plane of img from data, the planes laid back to back as
// dense row-major buffers.
func (h *Handle) Upload(img *Image, data []byte) error {
	if err := h.owns(img); err != nil {
		return err
	}
	want := 0
	for p := range img.Planes() {
		want += img.PlaneLen(p)
	}
	if len(data) != want {
		return errdefs.ShapeMismatch("upload", "%s needs %d bytes, got %d", img, want, len(data))
	}
	for p := range img.Planes() {
		n := img.PlaneLen(p)
		if err := img.WritePlane(p, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return img.Flush()
}

// Download returns every plane of img back to back, the inverse of Upload.
func (h *Handle) Download(img *Image) ([]byte, error) {
	if err := h.owns(img); err != nil {
		return nil, err
	}
	if err := img.Invalidate(); err != nil {
		return nil, err
	}
	var out []byte
	for p := range img.Planes() {
		b, err := img.ReadPlane(p)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (h *Handle) owns(imgs ...*Image) error {
	for _, img := range imgs {
		if img == nil {
			return errdefs.InvalidRegion("ive", "nil image")
		}
		if img.Arena() != h.arena {
			return errdefs.InvalidRegion("ive", "%s belongs to another handle", img)
		}
	}
	return nil
}

func channelsOf(k Kind) int {
	switch k {
	case device.KindRGBPlanar, device.KindRGBPacked:
		return 3
	case device.KindRGBAPlanar:
		return 4
	default:
		return 1
	}
}

// run drives op over inputs into outputs and waits for completion.
func (h *Handle) run(ctx context.Context, op ops.Operator, inputs, outputs []*Image) (*pipeline.Invocation, error) {
	done, err := h.use()
	if err != nil {
		return nil, err
	}
	defer done()
	if err := h.owns(inputs...); err != nil {
		return nil, err
	}
	if err := h.owns(outputs...); err != nil {
		return nil, err
	}
	return h.exec.Run(ctx, op, inputs, outputs)
}
