package scheduler

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/royalcat/geocluster/geomodel"
)

type ComputeFunc func(markers []geomodel.Marker, zoom int) []geomodel.Marker

// Result is a settled recomputation.
type Result struct {
	Hash    uint64
	Zoom    int
	Input   []geomodel.Marker
	Markers []geomodel.Marker
	Elapsed time.Duration
}

type input struct {
	markers []geomodel.Marker
	zoom    int
	hash    uint64
}

// Scheduler coalesces bursts of marker or zoom changes into a single
// recomputation after a quiet window, and skips work when the input matches
// the last computed one.
//
// Passes run one at a time. onResult is called only with the most recent
// settled result, from the pass goroutine; it must not call Force or Close.
type Scheduler struct {
	compute   ComputeFunc
	onResult  func(Result)
	debouncer *Debouncer
	log       *slog.Logger

	// serialises passes, always taken before mu
	runMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	pending *input
	latest  *input
	last    *Result
	closed  bool

	loading        atomic.Bool
	recomputations atomic.Int64
	skipped        atomic.Int64
}

func New(compute ComputeFunc, onResult func(Result), opts ...Option) *Scheduler {
	options := loadOptions(opts...)
	if onResult == nil {
		onResult = func(Result) {}
	}
	return &Scheduler{
		compute:   compute,
		onResult:  onResult,
		debouncer: NewDebouncer(options.quietWindow),
		log:       options.logger.With("component", "scheduler"),
	}
}

// Submit registers a new candidate input. It reports whether a recomputation
// was scheduled; value-identical input to the last computed pass is skipped
// and cancels anything pending.
func (s *Scheduler) Submit(markers []geomodel.Marker, zoom int) bool {
	in := &input{
		markers: slices.Clone(markers),
		zoom:    zoom,
		hash:    ContentHash(markers),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.latest = in
	s.gen++

	if s.last != nil && s.last.Hash == in.hash && s.last.Zoom == in.zoom {
		s.pending = nil
		s.debouncer.Cancel()
		s.skipped.Add(1)
		return false
	}

	gen := s.gen
	s.pending = in
	s.debouncer.Debounce(func() {
		s.fire(gen)
	})
	return true
}

func (s *Scheduler) fire(gen uint64) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	in := *s.pending
	s.pending = nil
	s.mu.Unlock()

	if res, ok := s.run(gen, in); ok {
		s.onResult(res)
	}
}

// Force recomputes the latest input now, ignoring the content hash.
func (s *Scheduler) Force() (Result, bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	if s.closed || s.latest == nil {
		s.mu.Unlock()
		return Result{}, false
	}
	s.gen++
	gen := s.gen
	in := *s.latest
	s.pending = nil
	s.debouncer.Cancel()
	s.mu.Unlock()

	res, ok := s.run(gen, in)
	if ok {
		s.onResult(res)
	}
	return res, ok
}

func (s *Scheduler) run(gen uint64, in input) (Result, bool) {
	s.loading.Store(true)
	start := time.Now()
	out := s.compute(in.markers, in.zoom)
	elapsed := time.Since(start)
	s.loading.Store(false)
	s.recomputations.Add(1)

	res := Result{
		Hash:    in.hash,
		Zoom:    in.zoom,
		Input:   in.markers,
		Markers: out,
		Elapsed: elapsed,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.gen {
		s.log.Debug("discarding superseded result", "zoom", in.zoom, "markers", len(out))
		return Result{}, false
	}
	s.last = &res
	return res, true
}

// Loading is true while a pass is running.
func (s *Scheduler) Loading() bool {
	return s.loading.Load()
}

// Pending reports whether a debounced pass is waiting for its quiet window.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Scheduler) Last() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Scheduler) Recomputations() int64 {
	return s.recomputations.Load()
}

func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// Close cancels the pending pass and waits for a running one. Later
// submissions are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.gen++
	s.pending = nil
	s.debouncer.Cancel()
	s.mu.Unlock()

	s.runMu.Lock()
	defer s.runMu.Unlock()
}
