package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/pkg/ive"
)

type runResult struct {
	ID       string        `json:"id"`
	Op       string        `json:"op"`
	State    string        `json:"state"`
	Tiles    int           `json:"tiles"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration_ns"`
	Outputs  []string      `json:"outputs"`
}

func runCmd() *cli.Command {
	var (
		o      opFlags
		inputs []string
		out    string
	)
	flags := append(o.flags(), engineFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:        "in",
			Aliases:     []string{"i"},
			Usage:       "raw input image, planes back to back (repeat for binary operators)",
			Required:    true,
			Destination: &inputs,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "raw output path; a second output gets a .1 suffix",
			Required:    true,
			Destination: &out,
		},
	)

	return withSetup(&cli.Command{
		Name:  "run",
		Usage: "Run an operator on raw image files",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			log := logger.FromContext(ctx)
			p, f, err := o.parse()
			if err != nil {
				return err
			}
			shape, err := ive.Describe(o.op, p, f, o.width, o.height)
			if err != nil {
				return err
			}
			if len(inputs) != shape.Inputs {
				return fmt.Errorf("%s takes %d inputs, got %d", o.op, shape.Inputs, len(inputs))
			}

			h, err := openHandle(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, h.Close()) }()

			srcs, err := createImages(h, len(inputs), f, o.channels, o.width, o.height)
			if err != nil {
				return err
			}
			for i, path := range inputs {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := h.Upload(srcs[i], data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			dsts, err := createImages(h, shape.Outputs, shape.OutFormat, o.channels, shape.OutWidth, shape.OutHeight)
			if err != nil {
				return err
			}

			inv, err := h.Do(ctx, o.op, p, srcs, dsts)
			if err != nil {
				return err
			}
			res := runResult{
				ID:       inv.ID.String(),
				Op:       o.op,
				State:    inv.State().String(),
				Tiles:    len(inv.Plan().Tiles),
				Batches:  inv.Batches(),
				Duration: inv.Elapsed(),
			}
			for i, dst := range dsts {
				path := out
				if i > 0 {
					path = fmt.Sprintf("%s.%d", out, i)
				}
				data, err := h.Download(dst)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				res.Outputs = append(res.Outputs, path)
			}
			log.Debug("run complete", "invocation", res.ID, "tiles", res.Tiles)
			return printJSON(cmd.Root().Writer, res)
		},
	})
}

// createImages allocates n images of one extent; a single channel is gray,
// more are planar.
func createImages(h *ive.Handle, n int, f ive.Format, channels, width, height int) ([]*ive.Image, error) {
	imgs := make([]*ive.Image, 0, n)
	for range n {
		var (
			img *ive.Image
			err error
		)
		if channels <= 1 {
			img, err = h.CreateImage(ive.Gray, f, width, height)
		} else {
			img, err = h.CreateMultiImage(f, channels, width, height)
		}
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}
