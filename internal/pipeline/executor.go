// Package pipeline runs operators over images tile by tile on a backend.
//
// For every tile the executor loads the tile's input window into scratch,
// lets the operator record its instructions and stores the output window
// back. With double buffering the next tile's input is loaded into the other
// scratch slot while the current tile computes.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/internal/ops"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Executor schedules operator invocations on one backend.
type Executor struct {
	backend        hw.Backend
	log            logger.Logger
	doubleBuffer   bool
	tilesPerSubmit int
	planner        tiling.Planner
	cache          *tiling.Cache
}

type Option func(*Executor)

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithDoubleBuffer toggles overlapping the next tile's load with the current
// tile's compute. It is on by default.
func WithDoubleBuffer(on bool) Option {
	return func(e *Executor) { e.doubleBuffer = on }
}

// WithTilesPerSubmit submits a batch every n tiles. Zero submits the whole
// invocation as one batch.
func WithTilesPerSubmit(n int) Option {
	return func(e *Executor) { e.tilesPerSubmit = max(n, 0) }
}

// WithBudget overrides the scratch budget handed to the planner. It is
// clamped to the backend's scratch size.
func WithBudget(n int) Option {
	return func(e *Executor) { e.planner.Budget = n }
}

func WithBalancedTiles(on bool) Option {
	return func(e *Executor) { e.planner.Balanced = on }
}

// WithMaxTile caps tile extents. Zero leaves an axis unlimited.
func WithMaxTile(h, w int) Option {
	return func(e *Executor) {
		e.planner.MaxTileH = h
		e.planner.MaxTileW = w
	}
}

// WithCache shares a plan cache between executors.
func WithCache(c *tiling.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

func New(b hw.Backend, opts ...Option) *Executor {
	e := &Executor{
		backend:      b,
		log:          logger.Discard(),
		doubleBuffer: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner.Budget <= 0 || e.planner.Budget > b.ScratchBytes() {
		e.planner.Budget = b.ScratchBytes()
	}
	if e.cache == nil {
		e.cache = tiling.NewCache()
	}
	return e
}

func (e *Executor) Backend() hw.Backend     { return e.backend }
func (e *Executor) Cache() *tiling.Cache    { return e.cache }
func (e *Executor) Planner() tiling.Planner { return e.planner }

// Run starts an invocation and waits for it.
func (e *Executor) Run(ctx context.Context, op ops.Operator, inputs, outputs []*device.Image) (*Invocation, error) {
	inv, err := e.Start(ctx, op, inputs, outputs)
	if err != nil {
		return inv, err
	}
	return inv, inv.Wait(ctx)
}

// job is the validated, planned state of one invocation.
type job struct {
	inv      *Invocation
	log      logger.Logger
	op       ops.Operator
	plan     *tiling.Plan
	sp       scratch.Plan
	channels int
	inputs   []*device.Image
	outputs  []*device.Image
	in, out  []device.Tensor
	alloc    *scratch.Allocator
}

// Start validates, plans and reserves scratch, then issues the tiles in the
// background. Errors found before any hardware work are returned here and
// leave the invocation failed.
func (e *Executor) Start(ctx context.Context, op ops.Operator, inputs, outputs []*device.Image) (*Invocation, error) {
	inv := newInvocation(op.Name())
	log := e.log.With("invocation", inv.ID.String(), "op", op.Name())

	j, err := e.prepare(inv, log, op, inputs, outputs)
	if err != nil {
		log.Debug("invocation rejected", "error", err)
		inv.finish(err)
		return inv, err
	}
	if err := e.backend.AcquireScratch(ctx); err != nil {
		inv.finish(err)
		return inv, err
	}
	inv.setState(StateRunning)

	go func() {
		err := e.execute(context.WithoutCancel(ctx), j)
		e.backend.ReleaseScratch()
		j.alloc.Release()
		if err != nil {
			log.Error("invocation failed", "error", err, "batches", inv.Batches())
		}
		inv.finish(err)
		if err == nil {
			log.Debug("invocation complete", "tiles", len(j.plan.Tiles), "batches", inv.Batches(), "elapsed", inv.Elapsed())
		}
	}()
	return inv, nil
}

func (e *Executor) prepare(inv *Invocation, log logger.Logger, op ops.Operator, inputs, outputs []*device.Image) (*job, error) {
	cfg, err := op.Configure()
	if err != nil {
		return nil, err
	}
	if err := checkImages(op.Name(), cfg, inputs, outputs); err != nil {
		return nil, err
	}

	channels := inputs[0].Channels()
	img := tiling.Extent{H: inputs[0].Height(), W: inputs[0].Width()}
	sp := e.scratchPlan(cfg)
	plan, hit, err := e.plan(op.Name(), cfg, img, channels)
	if err != nil {
		return nil, err
	}
	inv.setPlan(plan, hit)
	log.Debug("planned",
		"image", plan.Image,
		"tile", tiling.Extent{H: plan.TileH, W: plan.TileW},
		"tiles", len(plan.Tiles),
		"max_cost", plan.MaxCost,
		"budget", plan.Budget,
		"cache_hit", hit,
	)

	div := max(cfg.Geometry.OutDiv, 1)
	for i, o := range outputs {
		if o.Height() < plan.Image.H/div || o.Width() < plan.Image.W/div {
			return nil, errdefs.ShapeMismatch(op.Name(), "output %d is %dx%d, needs %dx%d", i, o.Height(), o.Width(), plan.Image.H/div, plan.Image.W/div)
		}
	}

	alloc := scratch.NewAllocator(e.planner.Budget, sp.Align)
	for _, s := range plan.Shapes() {
		if err := alloc.Reserve(sp, s.In, s.Out, channels); err != nil {
			return nil, err
		}
	}

	j := &job{
		inv:      inv,
		log:      log,
		op:       op,
		plan:     plan,
		sp:       sp,
		channels: channels,
		inputs:   inputs,
		outputs:  outputs,
		alloc:    alloc,
	}
	if j.in, err = tensors(inputs); err != nil {
		return nil, err
	}
	if j.out, err = tensors(outputs); err != nil {
		return nil, err
	}
	return j, nil
}

// Plan tiles an image of extent img with the given channel count for op
// without running it. hit reports a plan cache hit.
func (e *Executor) Plan(op ops.Operator, img tiling.Extent, channels int) (plan *tiling.Plan, hit bool, err error) {
	cfg, err := op.Configure()
	if err != nil {
		return nil, false, err
	}
	if channels <= 0 {
		return nil, false, errdefs.ShapeMismatch(op.Name(), "%d channels", channels)
	}
	return e.plan(op.Name(), cfg, img, channels)
}

func (e *Executor) scratchPlan(cfg ops.Config) scratch.Plan {
	sp := cfg.Plan
	if !e.doubleBuffer {
		sp.Slots = 1
	}
	return sp
}

func (e *Executor) plan(name string, cfg ops.Config, img tiling.Extent, channels int) (*tiling.Plan, bool, error) {
	sp := e.scratchPlan(cfg)
	tag := fmt.Sprintf("%s/c%d/%+v", name, channels, sp)
	return e.cache.Plan(e.planner, tag, img, cfg.Geometry, sp.Cost(channels))
}

// checkImages matches images against what the operator declared.
func checkImages(name string, cfg ops.Config, inputs, outputs []*device.Image) error {
	if len(inputs) == 0 || len(inputs) != len(cfg.InFormats) {
		return errdefs.ShapeMismatch(name, "%d inputs given, %d expected", len(inputs), len(cfg.InFormats))
	}
	if len(outputs) != len(cfg.OutFormats) {
		return errdefs.ShapeMismatch(name, "%d outputs given, %d expected", len(outputs), len(cfg.OutFormats))
	}
	first := inputs[0]
	for i, img := range inputs {
		if img == nil {
			return fmt.Errorf("%s: input %d is nil: %w", name, i, ops.ErrInvalidParam)
		}
		if img.Format() != cfg.InFormats[i] {
			return errdefs.UnsupportedFormat(name, "input %d is %s, want %s", i, img.Format(), cfg.InFormats[i])
		}
		if img.Height() != first.Height() || img.Width() != first.Width() || img.Channels() != first.Channels() {
			return errdefs.ShapeMismatch(name, "input %d is %s, input 0 is %s", i, img, first)
		}
	}
	padded := cfg.Geometry.Pad != [4]int{}
	for i, img := range outputs {
		if img == nil {
			return fmt.Errorf("%s: output %d is nil: %w", name, i, ops.ErrInvalidParam)
		}
		if img.Format() != cfg.OutFormats[i] {
			return errdefs.UnsupportedFormat(name, "output %d is %s, want %s", i, img.Format(), cfg.OutFormats[i])
		}
		if img.Channels() != first.Channels() {
			return errdefs.ShapeMismatch(name, "output %d has %d channels, inputs have %d", i, img.Channels(), first.Channels())
		}
		if padded {
			for _, in := range inputs {
				if overlaps(in, img) {
					return errdefs.InvalidRegion(name, "output %d overlaps an input read through a halo", i)
				}
			}
		}
	}
	return nil
}

// overlaps reports whether two images touch a common byte of one
// allocation. Windows of one parent that only share rows are disjoint.
func overlaps(a, b *device.Image) bool {
	if a.Handle() != b.Handle() {
		return false
	}
	ta, errA := a.Tensor()
	tb, errB := b.Tensor()
	if errA != nil || errB != nil {
		return a.Offset() < b.Offset()+b.Size() && b.Offset() < a.Offset()+a.Size()
	}
	return ta.Overlaps(tb)
}

func tensors(imgs []*device.Image) ([]device.Tensor, error) {
	out := make([]device.Tensor, len(imgs))
	for i, img := range imgs {
		t, err := img.Tensor()
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// execute records and submits every tile. Loads go into the tile's slot, the
// operator issues against it, and with double buffering the next tile of the
// same shape is loaded into the other slot before the current tile's store.
// A shape change drains outstanding work before the operator rebinds.
func (e *Executor) execute(ctx context.Context, j *job) error {
	for _, img := range j.inputs {
		if err := e.backend.Flush(img); err != nil {
			return err
		}
	}

	sc := &ops.SetupContext{
		Alloc:    j.alloc,
		Staging:  e.backend,
		Channels: j.channels,
		Slots:    j.sp.Slots,
	}
	tiles := j.plan.Tiles
	var (
		binding  ops.Binding
		slot     int
		prefetch bool
		pending  int
	)
	for k, t := range tiles {
		shape := t.Shape()
		if k == 0 || shape != tiles[k-1].Shape() {
			if pending > 0 {
				if err := e.submit(ctx, j); err != nil {
					return err
				}
				pending = 0
			}
			j.alloc.BeginShape()
			var err error
			if binding, err = j.op.Setup(sc, shape, t.IsEdge()); err != nil {
				return err
			}
			slot, prefetch = 0, false
			j.log.Debug("bound shape", "tile", k, "in", shape.In, "out", shape.Out, "scratch_used", j.alloc.Used())
		}

		if !prefetch {
			e.load(j, binding.In[slot], t)
		}
		if err := j.op.Issue(e.backend, slot); err != nil {
			return err
		}
		next := j.sp.Slots > 1 && k+1 < len(tiles) && tiles[k+1].Shape() == shape
		prefetch = false
		if next {
			e.load(j, binding.In[1-slot], tiles[k+1])
			prefetch = true
		}
		e.store(j, binding.Out[slot], t)
		if next {
			slot = 1 - slot
		}

		pending++
		if e.tilesPerSubmit > 0 && pending >= e.tilesPerSubmit {
			if err := e.submit(ctx, j); err != nil {
				return err
			}
			pending = 0
		}
	}
	if pending > 0 {
		if err := e.submit(ctx, j); err != nil {
			return err
		}
	}

	for _, img := range j.outputs {
		if err := e.backend.Invalidate(img); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) load(j *job, dst []hw.Local, t tiling.Tile) {
	for i, l := range dst {
		e.backend.Load(l, j.in[i].Window(t.In.Row, t.In.Col, t.In.H, t.In.W))
	}
}

func (e *Executor) store(j *job, src []hw.Local, t tiling.Tile) {
	for o, l := range src {
		e.backend.Store(j.out[o].Window(t.Out.Row, t.Out.Col, t.Out.H, t.Out.W), l)
	}
}

// submit hands the recorded batch to the backend and waits for it.
func (e *Executor) submit(ctx context.Context, j *job) error {
	c, err := e.backend.Submit(ctx)
	if err != nil {
		return submissionError(err)
	}
	j.inv.submitted()
	if err := c.Wait(ctx); err != nil {
		return submissionError(err)
	}
	return nil
}

func submissionError(err error) error {
	if errors.Is(err, errdefs.ErrSubmission) {
		return err
	}
	return errdefs.Wrap(errdefs.ErrSubmission, "submit", err)
}
