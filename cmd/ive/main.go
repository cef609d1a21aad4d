package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/internal/logger"
	"github.com/samcharles93/ive/pkg/ive"
)

// fileConfig is the config file loaded by setup.
var fileConfig Config

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "ive",
		Usage: "Tiled image operators on a vision accelerator",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			planCmd(),
			runCmd(),
			benchCmd(),
			quantizeCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the logger. It runs as the
// Before hook of every command, after that command's flags are parsed.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLogConfig(cmd, cfg)
	applyEngineConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Build(cmd.Root().ErrWriter, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func withSetup(cmd *cli.Command) *cli.Command {
	cmd.Flags = append(cmd.Flags, loggingFlags()...)
	cmd.Before = setup
	return cmd
}

// openHandle builds a handle from the engine flags.
func openHandle(ctx context.Context) (*ive.Handle, error) {
	cfg := ive.DefaultConfig()
	cfg.Backend = backend
	cfg.DeviceBytes = deviceBytes
	cfg.ScratchBytes = scratchBytes
	cfg.DoubleBuffer = doubleBuffer
	cfg.TilesPerSubmit = tilesPerSubmit
	cfg.Balanced = balanced
	cfg.MaxTileH = maxTileH
	cfg.MaxTileW = maxTileW
	cfg.AlignBytes = alignBytes
	cfg.AlignMinSize = alignMinSize
	cfg.Logger = logger.FromContext(ctx)
	return ive.New(cfg)
}

func (o *opFlags) parse() (ive.Params, ive.Format, error) {
	var p ive.Params
	if strings.TrimSpace(o.params) != "" {
		if err := json.Unmarshal([]byte(o.params), &p); err != nil {
			return p, device.Invalid, fmt.Errorf("--params: %w", err)
		}
	}
	f, err := device.ParseFormat(o.format)
	if err != nil {
		return p, device.Invalid, fmt.Errorf("--format: %w", err)
	}
	return p, f, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
