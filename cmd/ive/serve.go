package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ive/internal/api"
	"github.com/samcharles93/ive/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		burst       int
		maxJobs     int
	)

	return withSetup(&cli.Command{
		Name:  "serve",
		Usage: "Serve the operator API over HTTP",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.FloatFlag{
				Name:        "rate-limit",
				Usage:       "operator requests per second (0 disables limiting)",
				Value:       50,
				Destination: &rateLimit,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "operator requests allowed in a burst",
				Value:       10,
				Destination: &burst,
			},
			&cli.IntFlag{
				Name:        "max-jobs",
				Usage:       "finished jobs kept for GET /v1/jobs/:id",
				Value:       api.DefaultMaxJobs,
				Destination: &maxJobs,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &rateLimit)

			h, err := openHandle(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, h.Close()) }()

			server := api.NewServer(h,
				api.WithLogger(log),
				api.WithRateLimit(rateLimit, burst),
				api.WithJobStore(api.NewJobStore(maxJobs)),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "backend", h.Backend(), "scratch_bytes", h.ScratchBytes())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	})
}
