package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/pkg/ive"
)

type benchResult struct {
	Op           string  `json:"op"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Format       string  `json:"format"`
	Devices      int     `json:"devices"`
	Runs         int     `json:"runs"`
	Tiles        int     `json:"tiles"`
	TotalMS      float64 `json:"total_ms"`
	MeanMS       float64 `json:"mean_ms"`
	PixelsPerSec float64 `json:"pixels_per_sec"`
}

func benchCmd() *cli.Command {
	var (
		o        opFlags
		runs     int
		warmup   int
		parallel int
	)
	flags := append(o.flags(), engineFlags()...)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "timed runs per device",
			Value:       10,
			Destination: &runs,
		},
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "untimed runs per device",
			Value:       1,
			Destination: &warmup,
		},
		&cli.IntFlag{
			Name:        "parallel",
			Usage:       "independent devices driven concurrently",
			Value:       1,
			Destination: &parallel,
		},
	)

	return withSetup(&cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Time an operator on synthetic images",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			log := logger.FromContext(ctx)
			p, f, err := o.parse()
			if err != nil {
				return err
			}
			if runs < 1 || parallel < 1 {
				return fmt.Errorf("--runs and --parallel must be at least 1")
			}
			shape, err := ive.Describe(o.op, p, f, o.width, o.height)
			if err != nil {
				return err
			}

			handles := make([]*ive.Handle, 0, parallel)
			defer func() {
				for _, h := range handles {
					err = errors.Join(err, h.Close())
				}
			}()
			jobs := make([]ive.Job, 0, parallel)
			for range parallel {
				h, err := openHandle(ctx)
				if err != nil {
					return err
				}
				handles = append(handles, h)
				srcs, err := createImages(h, shape.Inputs, f, o.channels, o.width, o.height)
				if err != nil {
					return err
				}
				for i, src := range srcs {
					if err := h.Upload(src, synthetic(src, i)); err != nil {
						return err
					}
				}
				dsts, err := createImages(h, shape.Outputs, shape.OutFormat, o.channels, shape.OutWidth, shape.OutHeight)
				if err != nil {
					return err
				}
				jobs = append(jobs, func(ctx context.Context) error {
					for range warmup + runs {
						if _, err := h.Do(ctx, o.op, p, srcs, dsts); err != nil {
							return err
						}
					}
					return nil
				})
			}

			plan, err := handles[0].PlanOp(o.op, p, f, o.channels, o.width, o.height)
			if err != nil {
				return err
			}
			log.Info("benchmark", "op", o.op, "devices", parallel, "runs", runs, "tiles", len(plan.Tiles))

			start := time.Now()
			if err := ive.RunParallel(ctx, 0, jobs...); err != nil {
				return err
			}
			// warmup runs are folded into the wall clock; scale them out
			total := time.Since(start)
			timed := float64(total) * float64(runs) / float64(warmup+runs)
			n := float64(runs * parallel)
			res := benchResult{
				Op:      o.op,
				Width:   o.width,
				Height:  o.height,
				Format:  f.String(),
				Devices: parallel,
				Runs:    runs,
				Tiles:   len(plan.Tiles),
				TotalMS: timed / float64(time.Millisecond),
				MeanMS:  timed / float64(time.Millisecond) / float64(runs),
			}
			if timed > 0 {
				res.PixelsPerSec = n * float64(o.width*o.height) / (timed / float64(time.Second))
			}
			return printJSON(cmd.Root().Writer, res)
		},
	})
}

// synthetic returns a deterministic payload for img; seed varies it between
// the inputs of one operator.
func synthetic(img *ive.Image, seed int) []byte {
	f := img.Format()
	size := 0
	for p := range img.Planes() {
		size += img.PlaneLen(p)
	}
	buf := make([]byte, size)
	for i := 0; i+f.Size() <= size; i += f.Size() {
		f.Encode(buf[i:], float64((i/f.Size()*7+seed*13)%97))
	}
	return buf
}
