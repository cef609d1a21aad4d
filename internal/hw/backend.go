// Package hw is the contract between the tiling engine and an accelerator.
//
// The engine records transfers and opaque compute instructions against a
// Backend and submits them in batches. Nothing is executed until Submit; the
// returned Completion signals when the batch has drained.
package hw

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/ive/internal/device"
)

const (
	Sim  = "sim"
	Auto = "auto"
)

// Normalize validates a backend name from flags or config.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Sim, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or sim)", backend)
	}
}

// Local is a dense C×H×W tensor in scratch memory.
type Local struct {
	Addr   int
	C      int
	H      int
	W      int
	Format device.Format
}

// Len is the number of elements.
func (l Local) Len() int { return l.C * l.H * l.W }

// Bytes is the number of bytes the tensor occupies.
func (l Local) Bytes() int { return l.Len() * l.Format.Size() }

// At is the scratch address of element (c, y, x).
func (l Local) At(c, y, x int) int {
	return l.Addr + ((c*l.H+y)*l.W+x)*l.Format.Size()
}

// Channel narrows the tensor to one channel.
func (l Local) Channel(c int) Local {
	l.Addr += c * l.H * l.W * l.Format.Size()
	l.C = 1
	return l
}

// SameShape reports whether two tensors have equal C, H and W.
func (l Local) SameShape(o Local) bool {
	return l.C == o.C && l.H == o.H && l.W == o.W
}

func (l Local) String() string {
	return fmt.Sprintf("%s[%dx%dx%d]@%d", l.Format, l.C, l.H, l.W, l.Addr)
}

// Instruction is an opaque compute primitive. The engine never inspects
// instructions; only backends execute them.
type Instruction interface {
	Op() string
}

// Recorder accepts compute instructions for the current batch.
type Recorder interface {
	Issue(Instruction)
}

// Transfer moves data between device memory and scratch. Loads and stores
// convert between the tensor's and the local's element formats.
type Transfer interface {
	Load(dst Local, src device.Tensor)
	Store(dst device.Tensor, src Local)
	Fill(dst Local, value float64)
}

// Completion signals that a submitted batch has finished.
type Completion interface {
	Done() <-chan struct{}
	// Wait blocks until the batch finishes or ctx ends. A cancelled wait does
	// not cancel the batch.
	Wait(ctx context.Context) error
}

// Backend is an accelerator with a scratch memory of ScratchBytes bytes.
// Scratch is owned by one invocation at a time between AcquireScratch and
// ReleaseScratch; releasing also drops any commands not yet submitted.
type Backend interface {
	Recorder
	Transfer
	Name() string
	ScratchBytes() int
	AcquireScratch(ctx context.Context) error
	ReleaseScratch()
	Submit(ctx context.Context) (Completion, error)
	// Flush makes host writes to img visible to the device; Invalidate
	// makes device writes visible to the host.
	Flush(img *device.Image) error
	Invalidate(img *device.Image) error
}
