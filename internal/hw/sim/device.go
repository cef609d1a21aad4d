// Package sim is a host-side accelerator: device memory is a device.Arena,
// scratch is a byte slice, and submitted batches run on their own goroutine.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/errdefs"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/logger"
)

// DefaultScratchBytes matches a small on-chip SRAM.
const DefaultScratchBytes = 256 << 10

// ErrInjectedFault is the cause attached to faults from WithFaultAfter.
var ErrInjectedFault = errors.New("injected fault")

// Event is one executed command, recorded when tracing is enabled. Addr is
// the scratch address written, or read for stores.
type Event struct {
	Kind string
	Addr int
}

type command struct {
	kind string
	addr int
	run  func() error
}

// Device implements hw.Backend.
type Device struct {
	arena   *device.Arena
	scratch []byte
	sem     chan struct{}
	log     logger.Logger

	mu      sync.Mutex
	pending []command
	last    chan struct{} // closed when the previous batch has drained

	executed   atomic.Int64
	submits    atomic.Int64
	faultAfter int64

	tracing bool
	traceMu sync.Mutex
	events  []Event
}

type Option func(*Device)

// WithFaultAfter makes the n-th executed command (counted over the device's
// lifetime, starting at 1) fail with ErrInjectedFault.
func WithFaultAfter(n int) Option {
	return func(d *Device) {
		d.faultAfter = int64(n)
	}
}

// WithTrace records every executed command; see Events.
func WithTrace() Option {
	return func(d *Device) {
		d.tracing = true
	}
}

func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns a device over arena with scratchBytes of scratch.
func New(arena *device.Arena, scratchBytes int, opts ...Option) *Device {
	if scratchBytes <= 0 {
		scratchBytes = DefaultScratchBytes
	}
	d := &Device{
		arena:   arena,
		scratch: make([]byte, scratchBytes),
		sem:     make(chan struct{}, 1),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ hw.Backend = (*Device)(nil)

func (d *Device) Name() string      { return hw.Sim }
func (d *Device) ScratchBytes() int { return len(d.scratch) }

// Arena returns the device memory the backend transfers against.
func (d *Device) Arena() *device.Arena { return d.arena }

// AcquireScratch blocks until no other invocation owns scratch.
func (d *Device) AcquireScratch(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) ReleaseScratch() {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	select {
	case <-d.sem:
	default:
	}
}

func (d *Device) Flush(img *device.Image) error      { return img.Flush() }
func (d *Device) Invalidate(img *device.Image) error { return img.Invalidate() }

func (d *Device) record(kind string, addr int, run func() error) {
	d.mu.Lock()
	d.pending = append(d.pending, command{kind: kind, addr: addr, run: run})
	d.mu.Unlock()
}

func (d *Device) Load(dst hw.Local, src device.Tensor) {
	d.record("load", dst.Addr, func() error { return d.load(dst, src) })
}

func (d *Device) Store(dst device.Tensor, src hw.Local) {
	d.record("store", src.Addr, func() error { return d.store(dst, src) })
}

func (d *Device) Fill(dst hw.Local, value float64) {
	d.record("fill", dst.Addr, func() error { return d.fill(dst, value) })
}

func (d *Device) Issue(inst hw.Instruction) {
	d.record(inst.Op(), dstAddr(inst), func() error { return d.execute(inst) })
}

// Submit hands the recorded commands to a worker goroutine. Batches execute
// in submission order.
func (d *Device) Submit(ctx context.Context) (hw.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	cmds := d.pending
	d.pending = nil
	prev := d.last
	c := &completion{done: make(chan struct{})}
	d.last = c.done
	d.mu.Unlock()

	n := d.submits.Add(1)
	d.log.Debug("submit", "batch", n, "commands", len(cmds))
	go func() {
		defer close(c.done)
		if prev != nil {
			<-prev
		}
		c.err = d.run(cmds)
	}()
	return c, nil
}

func (d *Device) run(cmds []command) error {
	for _, cmd := range cmds {
		n := d.executed.Add(1)
		if d.faultAfter > 0 && n == d.faultAfter {
			return errdefs.Wrap(errdefs.ErrSubmission, cmd.kind, ErrInjectedFault)
		}
		if err := cmd.run(); err != nil {
			return errdefs.Wrap(errdefs.ErrSubmission, cmd.kind, err)
		}
		if d.tracing {
			d.traceMu.Lock()
			d.events = append(d.events, Event{Kind: cmd.kind, Addr: cmd.addr})
			d.traceMu.Unlock()
		}
	}
	return nil
}

// Events returns the trace recorded so far.
func (d *Device) Events() []Event {
	d.traceMu.Lock()
	defer d.traceMu.Unlock()
	return append([]Event(nil), d.events...)
}

// ResetTrace discards recorded events.
func (d *Device) ResetTrace() {
	d.traceMu.Lock()
	d.events = d.events[:0]
	d.traceMu.Unlock()
}

// Stats reports executed commands and submitted batches.
func (d *Device) Stats() (commands, batches int64) {
	return d.executed.Load(), d.submits.Load()
}

type completion struct {
	done chan struct{}
	err  error
}

func (c *completion) Done() <-chan struct{} { return c.done }

func (c *completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) view(l hw.Local) ([]byte, error) {
	if !l.Format.Valid() {
		return nil, errdefs.UnsupportedFormat("sim", "local %s has no element format", l)
	}
	n := l.Bytes()
	if l.Addr < 0 || n <= 0 || l.Addr+n > len(d.scratch) {
		return nil, errdefs.InvalidRegion("sim", "local %s outside %d bytes of scratch", l, len(d.scratch))
	}
	return d.scratch[l.Addr : l.Addr+n], nil
}

func (d *Device) block(t device.Tensor) ([]byte, error) {
	buf, err := d.arena.Bytes(t.Handle)
	if err != nil {
		return nil, err
	}
	if t.Offset < 0 || t.Offset+t.Extent() > len(buf) {
		return nil, errdefs.InvalidRegion("sim", "tensor %s outside block of %d bytes", t, len(buf))
	}
	return buf, nil
}

func (d *Device) load(dst hw.Local, src device.Tensor) error {
	if src.C != dst.C || src.H != dst.H || src.W != dst.W {
		return errdefs.ShapeMismatch("load", "tensor %s into local %s", src, dst)
	}
	mem, err := d.block(src)
	if err != nil {
		return err
	}
	sp, err := d.view(dst)
	if err != nil {
		return err
	}
	transfer(sp, dst, mem, src, false)
	return nil
}

func (d *Device) store(dst device.Tensor, src hw.Local) error {
	if src.C != dst.C || src.H != dst.H || src.W != dst.W {
		return errdefs.ShapeMismatch("store", "local %s into tensor %s", src, dst)
	}
	mem, err := d.block(dst)
	if err != nil {
		return err
	}
	sp, err := d.view(src)
	if err != nil {
		return err
	}
	transfer(sp, src, mem, dst, true)
	return nil
}

// transfer copies between a dense local and a strided tensor, converting
// formats element by element when they differ.
func transfer(sp []byte, l hw.Local, mem []byte, t device.Tensor, toMem bool) {
	ls, ts := l.Format.Size(), t.Format.Size()
	row := l.W * ls
	for c := range l.C {
		for y := range l.H {
			lo := l.At(c, y, 0) - l.Addr
			to := t.At(c, y, 0)
			if l.Format == t.Format {
				if toMem {
					copy(mem[to:to+row], sp[lo:lo+row])
				} else {
					copy(sp[lo:lo+row], mem[to:to+row])
				}
				continue
			}
			for x := range l.W {
				lp, tp := lo+x*ls, to+x*ts
				if toMem {
					t.Format.Encode(mem[tp:], l.Format.Decode(sp[lp:]))
				} else {
					l.Format.Encode(sp[lp:], t.Format.Decode(mem[tp:]))
				}
			}
		}
	}
}

func (d *Device) fill(dst hw.Local, value float64) error {
	sp, err := d.view(dst)
	if err != nil {
		return err
	}
	size := dst.Format.Size()
	dst.Format.Encode(sp, value)
	for off := size; off < len(sp); off *= 2 {
		copy(sp[off:], sp[:off])
	}
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("sim(scratch=%d)", len(d.scratch))
}
