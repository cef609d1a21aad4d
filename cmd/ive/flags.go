package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/pkg/ive"
)

var (
	configFile     string
	backend        string
	deviceBytes    int
	scratchBytes   int
	doubleBuffer   bool
	tilesPerSubmit int
	balanced       bool
	maxTileH       int
	maxTileW       int
	alignBytes     int
	alignMinSize   int
	logLevel       string
	logFormat      string
	debug          bool
)

func engineFlags() []cli.Flag {
	def := ive.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, sim)",
			Value:       def.Backend,
			Destination: &backend,
		},
		&cli.IntFlag{
			Name:        "device-bytes",
			Usage:       "device memory reserved for images",
			Value:       def.DeviceBytes,
			Destination: &deviceBytes,
		},
		&cli.IntFlag{
			Name:        "scratch-bytes",
			Aliases:     []string{"scratch"},
			Usage:       "accelerator scratch memory, the tiling budget",
			Value:       def.ScratchBytes,
			Destination: &scratchBytes,
		},
		&cli.BoolFlag{
			Name:        "double-buffer",
			Usage:       "overlap tile loads with compute",
			Value:       def.DoubleBuffer,
			Destination: &doubleBuffer,
		},
		&cli.IntFlag{
			Name:        "tiles-per-submit",
			Usage:       "tiles batched into one submission (0 submits once per image)",
			Destination: &tilesPerSubmit,
		},
		&cli.BoolFlag{
			Name:        "balanced",
			Usage:       "spread the image evenly over the tile grid",
			Destination: &balanced,
		},
		&cli.IntFlag{
			Name:        "max-tile-h",
			Usage:       "upper bound on tile height (0 for none)",
			Destination: &maxTileH,
		},
		&cli.IntFlag{
			Name:        "max-tile-w",
			Usage:       "upper bound on tile width (0 for none)",
			Destination: &maxTileW,
		},
		&cli.IntFlag{
			Name:        "align-bytes",
			Usage:       "alignment of device allocations at or above --align-min-size",
			Value:       def.AlignBytes,
			Destination: &alignBytes,
		},
		&cli.IntFlag{
			Name:        "align-min-size",
			Usage:       "smallest allocation that gets --align-bytes alignment",
			Value:       def.AlignMinSize,
			Destination: &alignMinSize,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default $XDG_CONFIG_HOME/ive/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// opFlags describe the image and operator of plan, run and bench.
type opFlags struct {
	op       string
	width    int
	height   int
	channels int
	format   string
	params   string
}

func (o *opFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "op",
			Usage:       "operator name",
			Required:    true,
			Destination: &o.op,
		},
		&cli.IntFlag{
			Name:        "width",
			Aliases:     []string{"w"},
			Usage:       "image width in pixels",
			Required:    true,
			Destination: &o.width,
		},
		&cli.IntFlag{
			Name:        "height",
			Usage:       "image height in pixels",
			Required:    true,
			Destination: &o.height,
		},
		&cli.IntFlag{
			Name:        "channels",
			Aliases:     []string{"c"},
			Usage:       "planar channel count",
			Value:       1,
			Destination: &o.channels,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "element format (u8, i8, u16, i16, bf16, f32)",
			Value:       "u8",
			Destination: &o.format,
		},
		&cli.StringFlag{
			Name:        "params",
			Aliases:     []string{"p"},
			Usage:       `operator parameters as JSON, e.g. '{"cell":4}'`,
			Destination: &o.params,
		},
	}
}
