package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/internal/quant"
)

type quantized struct {
	Multiplier float64 `json:"multiplier"`
	Mantissa   uint32  `json:"mantissa"`
	Shift      int     `json:"shift"`
	Decoded    float64 `json:"decoded"`
}

func quantizeCmd() *cli.Command {
	var pack string

	return withSetup(&cli.Command{
		Name:      "quantize",
		Usage:     "Convert real multipliers in (0, 1] to mantissa and shift",
		ArgsUsage: "MULTIPLIER...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "pack",
				Usage:       "write the per-channel calibration block to this file",
				Destination: &pack,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return fmt.Errorf("quantize: at least one multiplier is required")
			}
			out := make([]quantized, 0, len(args))
			scales := make([]quant.Scale, 0, len(args))
			for _, arg := range args {
				m, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return fmt.Errorf("quantize: %w", err)
				}
				s, err := quant.QuantizeMultiplier(m)
				if err != nil {
					return err
				}
				scales = append(scales, s)
				out = append(out, quantized{Multiplier: m, Mantissa: s.Mantissa, Shift: s.Shift, Decoded: s.Float64()})
			}
			if pack != "" {
				data, err := quant.PackPerChannel(scales)
				if err != nil {
					return err
				}
				if err := os.WriteFile(pack, data, 0o644); err != nil {
					return err
				}
			}
			return printJSON(cmd.Root().Writer, out)
		},
	})
}
