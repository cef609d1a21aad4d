package ops

import (
	"fmt"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/hw"
	"github.com/samcharles93/ive/internal/scratch"
	"github.com/samcharles93/ive/internal/tiling"
)

// Block averages non-overlapping cell×cell blocks. Rows and columns beyond
// the last whole cell are dropped.
type Block struct {
	lifecycle
	cell   int
	format device.Format
}

func NewBlock(cell int, f device.Format) *Block {
	return &Block{lifecycle: lifecycle{name: "block"}, cell: cell, format: f}
}

func (op *Block) Configure() (Config, error) {
	if op.cell < 1 {
		return Config{}, fmt.Errorf("block: cell %d: %w", op.cell, ErrInvalidParam)
	}
	if err := checkFormat(op.name, op.format, device.U8, device.U16, device.BF16); err != nil {
		return Config{}, err
	}
	size := op.format.Size()
	return op.configure(Config{
		Plan:       scratch.Plan{Slots: 2, Inputs: 1, Outputs: 1, InElem: size, OutElem: size},
		Geometry:   tiling.Geometry{Granule: op.cell, OutDiv: op.cell},
		InFormats:  []device.Format{op.format},
		OutFormats: []device.Format{op.format},
	})
}

func (op *Block) Setup(sc *SetupContext, shape tiling.Shape, _ bool) (Binding, error) {
	if err := op.beginSetup(sc); err != nil {
		return Binding{}, err
	}
	b, err := slotLocals(sc, op.cfg.Plan, shape, op.format, op.format)
	if err != nil {
		return Binding{}, err
	}
	return op.bind(b)
}

func (op *Block) Issue(rec hw.Recorder, slot int) error {
	if err := op.slot(slot); err != nil {
		return err
	}
	rec.Issue(hw.AvgPool{Dst: op.binding.Out[slot][0], Src: op.binding.In[slot][0], K: op.cell})
	return nil
}

// Cell is the reduction factor.
func (op *Block) Cell() int { return op.cell }
