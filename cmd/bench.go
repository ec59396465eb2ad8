package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cheggaaa/pb/v3/termutil"
	"github.com/dustin/go-humanize"
	"github.com/fogleman/poissondisc"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/royalcat/geocluster/clusterer"
	"github.com/royalcat/geocluster/distcache"
	"github.com/royalcat/geocluster/geomodel"
	"github.com/royalcat/geocluster/internal/stats"
	"github.com/sourcegraph/conc/pool"
	"github.com/urfave/cli/v3"
)

var categories = []string{"books", "tools", "toys", "garden", "kitchen", "sports"}

type benchConfig struct {
	Cluster       clusterer.Options
	DistanceCache int
	Bound         orb.Bound
	Spacing       float64
	MinZoom       int
	MaxZoom       int
	Threads       int
	StatsInterval time.Duration
	Progress      bool
}

type zoomResult struct {
	Zoom     int             `json:"zoom"`
	RadiusKm float64         `json:"radius_km"`
	Elapsed  time.Duration   `json:"elapsed_ns"`
	Stats    clusterer.Stats `json:"stats"`
}

type benchReport struct {
	Markers       int          `json:"markers"`
	Bound         [4]float64   `json:"bound"`
	Threads       int          `json:"threads"`
	Zooms         []zoomResult `json:"zooms"`
	DistanceCache int          `json:"distance_cache_entries"`
	Runtime       stats.Report `json:"runtime"`
}

func bench(ctx *cli.Context) error {
	bound, err := geomodel.ParseBound(ctx.String("bound"))
	if err != nil {
		return err
	}
	minZoom, maxZoom, err := parseZooms(ctx.String("zooms"))
	if err != nil {
		return err
	}

	threads := ctx.Int("threads")
	if threads == 0 {
		threads = runtime.GOMAXPROCS(0)
	}

	report, err := runBench(benchConfig{
		Cluster:       clusterOptions(ctx),
		DistanceCache: ctx.Int("distance-cache"),
		Bound:         bound,
		Spacing:       ctx.Float64("spacing"),
		MinZoom:       minZoom,
		MaxZoom:       maxZoom,
		Threads:       threads,
		StatsInterval: ctx.Duration("stats-interval"),
		Progress:      true,
	})
	if err != nil {
		return err
	}

	if err := report.writeText(os.Stdout); err != nil {
		return err
	}

	if path := ctx.String("report"); path != "" {
		if !strings.HasSuffix(path, ".json.zst") {
			path += ".json.zst"
		}
		if err := saveReport(path, report); err != nil {
			return err
		}
		fmt.Printf("Report saved to %s\n", path)
	}
	return nil
}

// sampleMarkers fills bound with poisson-disc distributed markers.
func sampleMarkers(bound orb.Bound, spacing float64) []geomodel.Marker {
	points := poissondisc.Sample(bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y(), spacing, 10, nil)

	markers := make([]geomodel.Marker, len(points))
	for i, p := range points {
		markers[i] = geomodel.Marker{
			ID:       "b" + strconv.Itoa(i),
			Lat:      p.Y,
			Lon:      p.X,
			Title:    "Item " + strconv.Itoa(i),
			Category: categories[i%len(categories)],
		}
	}
	return markers
}

func runBench(cfg benchConfig) (benchReport, error) {
	if cfg.MinZoom > cfg.MaxZoom {
		return benchReport{}, fmt.Errorf("empty zoom range %d-%d", cfg.MinZoom, cfg.MaxZoom)
	}

	distances, err := distcache.New(cfg.DistanceCache)
	if err != nil {
		return benchReport{}, err
	}
	c, err := clusterer.New(cfg.Cluster, distances)
	if err != nil {
		return benchReport{}, err
	}

	collector, err := stats.NewCollector(cfg.StatsInterval)
	if err != nil {
		return benchReport{}, err
	}
	collector.Start()

	markers := sampleMarkers(cfg.Bound, cfg.Spacing)
	collector.Mark(fmt.Sprintf("sampled %d markers", len(markers)))

	results := make([]zoomResult, cfg.MaxZoom-cfg.MinZoom+1)

	var bar *pb.ProgressBar
	if cfg.Progress {
		bar = pb.StartNew(len(results))
		bar.Set("prefix", "clustering")
		bar.SetRefreshRate(time.Second)
		if w, err := termutil.TerminalWidth(); w == 0 || err != nil {
			bar.SetTemplateString(`{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . }} {{percent . }} {{rtime . "ETA %s"}}` + "\n")
		}
	}

	p := pool.New().WithMaxGoroutines(cfg.Threads)
	for i := range results {
		zoom := cfg.MinZoom + i
		p.Go(func() {
			start := time.Now()
			out := c.Cluster(markers, zoom)
			results[i] = zoomResult{
				Zoom:     zoom,
				RadiusKm: cfg.Cluster.Radius.RadiusKm(zoom),
				Elapsed:  time.Since(start),
				Stats:    clusterer.Summarize(len(markers), out),
			}
			collector.Mark("zoom " + strconv.Itoa(zoom))
			if bar != nil {
				bar.Increment()
			}
		})
	}
	p.Wait()
	if bar != nil {
		bar.Finish()
	}

	return benchReport{
		Markers:       len(markers),
		Bound:         [4]float64{cfg.Bound.Min.X(), cfg.Bound.Min.Y(), cfg.Bound.Max.X(), cfg.Bound.Max.Y()},
		Threads:       cfg.Threads,
		Zooms:         results,
		DistanceCache: distances.Len(),
		Runtime:       collector.Stop(),
	}, nil
}

func (r benchReport) writeText(w io.Writer) error {
	fmt.Fprintf(w, "Markers: %s, distance cache entries: %s\n\n", humanize.Comma(int64(r.Markers)), humanize.Comma(int64(r.DistanceCache)))
	fmt.Fprintf(w, "%-6s %-12s %-10s %-10s %-12s %-10s\n", "zoom", "radius", "markers", "clusters", "reduction", "elapsed")
	for _, z := range r.Zooms {
		fmt.Fprintf(w, "%-6d %-12s %-10s %-10s %-12s %-10s\n",
			z.Zoom,
			humanize.SIWithDigits(z.RadiusKm*1000, 1, "m"),
			humanize.Comma(int64(z.Stats.Processed)),
			humanize.Comma(int64(z.Stats.Clusters)),
			fmt.Sprintf("%.1f%%", z.Stats.ReductionPercent),
			z.Elapsed.Round(time.Microsecond),
		)
	}
	fmt.Fprintln(w)
	return r.Runtime.WriteText(w)
}

func saveReport(path string, report benchReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	enc, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("can`t create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(report); err != nil {
		enc.Close()
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return file.Close()
}

func loadReport(path string) (benchReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return benchReport{}, err
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return benchReport{}, fmt.Errorf("can`t create zstd reader: %w", err)
	}
	defer dec.Close()

	var report benchReport
	if err := json.NewDecoder(dec).Decode(&report); err != nil {
		return benchReport{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// parseZooms reads "N" or "N-M".
func parseZooms(s string) (int, int, error) {
	lo, hi, found := strings.Cut(s, "-")
	minZoom, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("zooms %q: %w", s, err)
	}
	maxZoom := minZoom
	if found {
		if maxZoom, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return 0, 0, fmt.Errorf("zooms %q: %w", s, err)
		}
	}
	if minZoom > maxZoom || geomodel.ClampZoom(minZoom) != minZoom || geomodel.ClampZoom(maxZoom) != maxZoom {
		return 0, 0, fmt.Errorf("zooms %q: want a range inside [%d, %d]", s, geomodel.MinZoom, geomodel.MaxZoom)
	}
	return minZoom, maxZoom, nil
}
