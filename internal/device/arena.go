package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/ive/internal/errdefs"
)

var (
	ErrArenaClosed   = errors.New("device arena closed")
	ErrUnknownHandle = errors.New("unknown device handle")
)

// DefaultBaseAddr is the physical address reported for arena offset 0.
const DefaultBaseAddr uint64 = 0x1_0000_0000

// Every block start is rounded to placement bytes.
const placement = 64

const importBase uint64 = 0x8000_0000_0000

// Handle is an opaque reference to a block of device memory.
type Handle uint64

// AlignPolicy rounds allocation sizes and physical base addresses. The arena
// asks the policy once per allocation; the returned base alignment applies to
// the physical address and the virtual view moves by the same delta.
type AlignPolicy interface {
	Align(size int) (alignedSize, baseAlign int)
}

// NoAlign leaves sizes untouched.
type NoAlign struct{}

func (NoAlign) Align(size int) (int, int) { return size, 1 }

// SizeClassAlign rounds any allocation of at least MinSize bytes up to a
// multiple of Bytes and places it on a Bytes boundary. Some DMA engines
// mis-handle large scalar transfers that are not page aligned; 4096/4096 is
// the usual setting for them.
type SizeClassAlign struct {
	Bytes   int
	MinSize int
}

func (p SizeClassAlign) Align(size int) (int, int) {
	if p.Bytes <= 1 || size < p.MinSize {
		return size, 1
	}
	return alignUp(size, p.Bytes), p.Bytes
}

type block struct {
	handle   Handle
	off      int // reservation start in mem
	reserved int
	delta    int // paddr alignment shift inside the reservation
	size     int
	ext      []byte // imported memory, nil for arena blocks
	paddr    uint64
}

func (b *block) end() int { return b.off + b.reserved }

// Stats is a snapshot of arena usage.
type Stats struct {
	Capacity    int   `json:"capacity"`
	Used        int   `json:"used"`
	Blocks      int   `json:"blocks"`
	Imports     int   `json:"imports"`
	Flushes     int64 `json:"flushes"`
	Invalidates int64 `json:"invalidates"`
	Mapped      bool  `json:"mapped"`
}

// Arena is the device memory pool. Blocks are placed first-fit and referred
// to by opaque handles; images and views never hold raw pointers into it.
type Arena struct {
	mu       sync.Mutex
	mem      []byte
	mapped   bool
	base     uint64
	policy   AlignPolicy
	coherent bool
	closed   bool

	blocks  []*block // arena blocks sorted by off
	handles map[Handle]*block
	next    Handle
	nextExt uint64
	used    int

	flushes     atomic.Int64
	invalidates atomic.Int64
}

type ArenaOption func(*Arena)

// WithAlign installs an alignment policy. The default is NoAlign.
func WithAlign(p AlignPolicy) ArenaOption {
	return func(a *Arena) {
		if p != nil {
			a.policy = p
		}
	}
}

// WithCoherent marks the arena as cache coherent (Flush and Invalidate are
// no-ops) or not (they are counted per call).
func WithCoherent(coherent bool) ArenaOption {
	return func(a *Arena) { a.coherent = coherent }
}

// WithBaseAddr sets the physical address of offset 0.
func WithBaseAddr(addr uint64) ArenaOption {
	return func(a *Arena) { a.base = addr }
}

// WithHeap skips the anonymous mapping and backs the arena with a Go slice.
func WithHeap() ArenaOption {
	return func(a *Arena) {
		a.mapped = false
	}
}

// NewArena reserves size bytes of device memory. The arena is backed by an
// anonymous mapping when the platform allows it, otherwise by the Go heap.
func NewArena(size int, opts ...ArenaOption) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d", size)
	}
	a := &Arena{
		base:     DefaultBaseAddr,
		policy:   NoAlign{},
		coherent: true,
		handles:  make(map[Handle]*block),
		mapped:   true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.mapped {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err == nil {
			a.mem = mem
		} else {
			a.mapped = false
		}
	}
	if a.mem == nil {
		a.mem = make([]byte, size)
	}
	return a, nil
}

// Policy returns the arena's alignment policy.
func (a *Arena) Policy() AlignPolicy {
	return a.policy
}

// Coherent reports whether Flush and Invalidate are no-ops.
func (a *Arena) Coherent() bool {
	return a.coherent
}

// Alloc reserves a block of size bytes. The block is zeroed.
func (a *Arena) Alloc(size int) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(size)
}

func (a *Arena) allocLocked(size int) (Handle, error) {
	if a.closed {
		return 0, ErrArenaClosed
	}
	if size <= 0 {
		return 0, errdefs.ShapeMismatch("alloc", "size must be positive, got %d", size)
	}
	aligned, baseAlign := a.policy.Align(size)
	if baseAlign < 1 {
		baseAlign = 1
	}

	prev := 0
	idx := len(a.blocks)
	var off, delta int
	found := false
	for i, b := range a.blocks {
		if o, d, ok := a.fit(prev, b.off, aligned, baseAlign); ok {
			off, delta, idx, found = o, d, i, true
			break
		}
		prev = alignUp(b.end(), placement)
	}
	if !found {
		o, d, ok := a.fit(prev, len(a.mem), aligned, baseAlign)
		if !ok {
			return 0, errdefs.CapacityExceeded("alloc", "no free block of %d bytes (used %d of %d)", aligned, a.used, len(a.mem))
		}
		off, delta = o, d
	}

	a.next++
	b := &block{
		handle:   a.next,
		off:      off,
		reserved: delta + aligned,
		delta:    delta,
		size:     size,
		paddr:    a.base + uint64(off+delta),
	}
	clear(a.mem[off : off+b.reserved])
	a.blocks = append(a.blocks, nil)
	copy(a.blocks[idx+1:], a.blocks[idx:])
	a.blocks[idx] = b
	a.handles[b.handle] = b
	a.used += b.reserved
	return b.handle, nil
}

// fit places a block inside the gap [start, end).
func (a *Arena) fit(start, end, size, baseAlign int) (off, delta int, ok bool) {
	off = alignUp(start, placement)
	paddr := a.base + uint64(off)
	delta = int(alignUp64(paddr, uint64(baseAlign)) - paddr)
	if off+delta+size > end {
		return 0, 0, false
	}
	return off, delta, true
}

// ReuseOrAlloc returns hint itself when its block already holds size bytes,
// otherwise a fresh block. The caller takes over ownership of the returned
// handle either way.
func (a *Arena) ReuseOrAlloc(hint Handle, size int) (Handle, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, false, ErrArenaClosed
	}
	if b, ok := a.handles[hint]; ok && b.ext == nil && size > 0 && size <= b.size {
		clear(a.viewLocked(b))
		return hint, true, nil
	}
	h, err := a.allocLocked(size)
	return h, false, err
}

// Import registers externally owned memory so it can be addressed by handle.
// Release forgets the handle without touching the memory.
func (a *Arena) Import(data []byte) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrArenaClosed
	}
	if len(data) == 0 {
		return 0, errdefs.ShapeMismatch("import", "empty buffer")
	}
	a.next++
	b := &block{
		handle: a.next,
		size:   len(data),
		ext:    data,
		paddr:  importBase + a.nextExt,
	}
	a.nextExt += uint64(alignUp(len(data), placement))
	a.handles[b.handle] = b
	return b.handle, nil
}

// Release returns a block to the arena.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrArenaClosed
	}
	b, ok := a.handles[h]
	if !ok {
		return fmt.Errorf("release %d: %w", h, ErrUnknownHandle)
	}
	delete(a.handles, h)
	if b.ext != nil {
		return nil
	}
	i := sort.Search(len(a.blocks), func(i int) bool { return a.blocks[i].off >= b.off })
	if i < len(a.blocks) && a.blocks[i] == b {
		a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
	}
	a.used -= b.reserved
	return nil
}

// Bytes returns the virtual view of a block.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrArenaClosed
	}
	b, ok := a.handles[h]
	if !ok {
		return nil, fmt.Errorf("bytes %d: %w", h, ErrUnknownHandle)
	}
	return a.viewLocked(b), nil
}

func (a *Arena) viewLocked(b *block) []byte {
	if b.ext != nil {
		return b.ext
	}
	start := b.off + b.delta
	return a.mem[start : start+b.size : start+b.size]
}

// PAddr returns the physical address of a block.
func (a *Arena) PAddr(h Handle) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.handles[h]
	if !ok {
		return 0, fmt.Errorf("paddr %d: %w", h, ErrUnknownHandle)
	}
	return b.paddr, nil
}

// Size returns the usable size of a block.
func (a *Arena) Size(h Handle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.handles[h]
	if !ok {
		return 0, fmt.Errorf("size %d: %w", h, ErrUnknownHandle)
	}
	return b.size, nil
}

// Flush makes host writes to a block visible to the device.
func (a *Arena) Flush(h Handle) error {
	if err := a.check(h); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if !a.coherent {
		a.flushes.Add(1)
	}
	return nil
}

// Invalidate makes device writes to a block visible to the host.
func (a *Arena) Invalidate(h Handle) error {
	if err := a.check(h); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if !a.coherent {
		a.invalidates.Add(1)
	}
	return nil
}

func (a *Arena) check(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrArenaClosed
	}
	if _, ok := a.handles[h]; !ok {
		return ErrUnknownHandle
	}
	return nil
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Capacity:    len(a.mem),
		Used:        a.used,
		Blocks:      len(a.blocks),
		Imports:     len(a.handles) - len(a.blocks),
		Flushes:     a.flushes.Load(),
		Invalidates: a.invalidates.Load(),
		Mapped:      a.mapped,
	}
}

// Close unmaps the arena. Handles become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	var err error
	if a.mapped && a.mem != nil {
		err = unix.Munmap(a.mem)
	}
	a.mem = nil
	a.blocks = nil
	a.handles = nil
	return err
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

func alignUp64(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
