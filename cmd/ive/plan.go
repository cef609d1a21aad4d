package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/pkg/ive"
)

type planSummary struct {
	Op      string    `json:"op"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Budget  int       `json:"budget"`
	TileH   int       `json:"tile_h"`
	TileW   int       `json:"tile_w"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Tiles   int       `json:"tiles"`
	Shapes  int       `json:"shapes"`
	MaxCost int       `json:"max_cost"`
	Plan    *ive.Plan `json:"plan,omitempty"`
}

func planCmd() *cli.Command {
	var (
		o         opFlags
		showTiles bool
	)
	flags := append(o.flags(), engineFlags()...)
	flags = append(flags, &cli.BoolFlag{
		Name:        "tiles",
		Usage:       "include every tile in the output",
		Destination: &showTiles,
	})

	return withSetup(&cli.Command{
		Name:  "plan",
		Usage: "Print the tile plan of an operator without running it",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			p, f, err := o.parse()
			if err != nil {
				return err
			}
			h, err := openHandle(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, h.Close()) }()

			plan, err := h.PlanOp(o.op, p, f, o.channels, o.width, o.height)
			if err != nil {
				return err
			}
			out := planSummary{
				Op:      o.op,
				Width:   o.width,
				Height:  o.height,
				Budget:  plan.Budget,
				TileH:   plan.TileH,
				TileW:   plan.TileW,
				Rows:    plan.Rows,
				Cols:    plan.Cols,
				Tiles:   len(plan.Tiles),
				Shapes:  len(plan.Shapes()),
				MaxCost: plan.MaxCost,
			}
			if showTiles {
				out.Plan = plan
			}
			return printJSON(cmd.Root().Writer, out)
		},
	})
}
