package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/internal/telemetry"
	"github.com/royalcat/geocluster/popupcache"
	"github.com/royalcat/geocluster/reconciler"
	"github.com/royalcat/geocluster/scheduler"
	"github.com/royalcat/geocluster/server"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/urfave/cli/v3"
	_ "go.uber.org/automaxprocs"
)

func clusterFlags() []cli.Flag {
	defaults := clusterer.DefaultOptions()
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "threshold",
			Usage: "cluster only when more markers than this are shown",
			Value: defaults.Threshold,
		},
		&cli.IntFlag{
			Name:  "zoom-ceiling",
			Usage: "show every marker above this zoom",
			Value: defaults.ZoomCeiling,
		},
		&cli.Float64Flag{
			Name:  "radius-km",
			Usage: "cluster radius at the reference zoom",
			Value: defaults.Radius.BaseKm,
		},
		&cli.IntFlag{
			Name:  "radius-zoom",
			Usage: "zoom level radius-km applies to",
			Value: defaults.Radius.ReferenceZoom,
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "neighbour search: auto, scan or index",
			Value: string(defaults.Strategy),
		},
		&cli.IntFlag{
			Name:  "distance-cache",
			Usage: "distance cache capacity",
			Value: distcache.DefaultCapacity,
		},
	}
}

func main() {
	app := &cli.App{
		Name:        "geocluster",
		Description: "Marker clustering and map reconciliation service",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the clustering api",
				Flags: append(clusterFlags(),
					&cli.StringFlag{
						Name:  "listen",
						Value: ":8080",
					},
					&cli.DurationFlag{
						Name:  "debounce",
						Usage: "quiet window before a session recomputes",
						Value: scheduler.DefaultQuietWindow,
					},
					&cli.IntFlag{
						Name:  "popup-cache",
						Usage: "popup cache capacity",
						Value: popupcache.DefaultCapacity,
					},
					&cli.BoolFlag{
						Name:  "fit",
						Usage: "fit session viewports to their markers",
						Value: true,
					},
					&cli.IntFlag{
						Name:  "fit.max-zoom",
						Value: reconciler.DefaultFitPolicy().MaxZoom,
					},
					&cli.IntFlag{
						Name:  "fit.padding",
						Value: reconciler.DefaultFitPolicy().Padding,
					},
					&cli.StringFlag{
						Name:  "otel.endpoint",
						Usage: "OTLP/HTTP collector address, OTEL_*_EXPORTER variables apply when unset",
					},
					&cli.BoolFlag{
						Name: "otel.insecure",
					},
				),
				Action: serve,
			},
			{
				Name:  "bench",
				Usage: "cluster synthetic markers at every zoom level and report timings",
				Flags: append(clusterFlags(),
					&cli.StringFlag{
						Name:  "bound",
						Usage: "min lon, min lat, max lon, max lat of the sampled area",
						Value: "2.22,48.81,2.47,48.91",
					},
					&cli.Float64Flag{
						Name:  "spacing",
						Usage: "minimum distance between sampled markers, degrees",
						Value: 0.002,
					},
					&cli.StringFlag{
						Name:  "zooms",
						Usage: "zoom range, e.g. 0-18",
						Value: "0-18",
					},
					&cli.IntFlag{
						Name:        "threads",
						Aliases:     []string{"t"},
						DefaultText: "max",
					},
					&cli.StringFlag{
						Name:      "report",
						Aliases:   []string{"o"},
						Usage:     "write a zstd compressed json report",
						TakesFile: true,
					},
					&cli.DurationFlag{
						Name:  "stats-interval",
						Value: 100 * time.Millisecond,
					},
				),
				Action: bench,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func clusterOptions(ctx *cli.Context) clusterer.Options {
	return clusterer.Options{
		Threshold:   ctx.Int("threshold"),
		ZoomCeiling: ctx.Int("zoom-ceiling"),
		Radius: clusterer.RadiusPolicy{
			BaseKm:        ctx.Float64("radius-km"),
			ReferenceZoom: ctx.Int("radius-zoom"),
		},
		Strategy: clusterer.Strategy(ctx.String("strategy")),
	}
}

func serve(ctx *cli.Context) error {
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	distances, err := distcache.New(ctx.Int("distance-cache"))
	if err != nil {
		return err
	}
	popups, err := popupcache.New(ctx.Int("popup-cache"), nil)
	if err != nil {
		return err
	}

	fit := reconciler.DefaultFitPolicy()
	fit.Enabled = ctx.Bool("fit")
	fit.MaxZoom = ctx.Int("fit.max-zoom")
	fit.Padding = ctx.Int("fit.padding")

	config := server.Config{
		Cluster:     clusterOptions(ctx),
		QuietWindow: ctx.Duration("debounce"),
		Fit:         fit,
		Distances:   distances,
		Popups:      popups,
	}

	client, err := telemetry.Setup(runCtx, telemetry.Config{
		ServiceName: "geocluster",
		Endpoint:    ctx.String("otel.endpoint"),
		Insecure:    ctx.Bool("otel.insecure"),
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down telemetry", "error", err)
		}
	}()

	slog.Info("Starting server", "gomaxprocs", runtime.GOMAXPROCS(0))
	return server.Run(runCtx, ctx.String("listen"), config)
}
