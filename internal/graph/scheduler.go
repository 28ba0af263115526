package graph

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"spectra/internal/log"
)

// Scheduler drives the graph at a fixed tick rate. Ticks are serialized:
// a tick that overruns its interval causes the next timer fire to be
// skipped, and stages fall back to their previous output (late binding)
// instead of queueing work. Builds run fire-and-forget off the tick
// path; everything else runs in waves so a wave's writes are complete
// before the next wave reads them.
type Scheduler struct {
	graph    *Graph
	interval time.Duration
	workers  int

	tick      uint64
	busy      atomic.Bool
	lateTicks atomic.Uint64
	inflight  sync.WaitGroup // the running tick plus fire-and-forget builds
}

// NewScheduler returns a scheduler ticking the graph every interval,
// running at most workers stage tasks concurrently per wave.
func NewScheduler(g *Graph, interval time.Duration, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{graph: g, interval: interval, workers: workers}
}

// Tick returns the last tick sequence number started.
func (s *Scheduler) Tick() uint64 { return atomic.LoadUint64(&s.tick) }

// LateTicks returns how many timer fires were skipped because the
// previous tick was still running.
func (s *Scheduler) LateTicks() uint64 { return s.lateTicks.Load() }

// Run drives the tick loop until ctx is cancelled or a fatal stage
// error surfaces. Device loss is fatal and propagates; everything else
// degrades in place.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	errCh := make(chan error, 1)
	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return nil
		case err := <-errCh:
			s.inflight.Wait()
			return err
		case <-ticker.C:
			if !s.busy.CompareAndSwap(false, true) {
				s.lateTicks.Add(1)
				log.Warnf("scheduler: tick overrun, skipping fire (%d late so far)", s.lateTicks.Load())
				continue
			}
			tick := atomic.AddUint64(&s.tick, 1)
			s.inflight.Add(1)
			go func() {
				defer s.inflight.Done()
				defer s.busy.Store(false)
				if err := s.runTick(tick); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}()
		}
	}
}

func (s *Scheduler) runTick(tick uint64) error {
	tasks := s.graph.Plan(tick)

	var ingest, analyze, deliver []Task
	for _, task := range tasks {
		switch task.Kind {
		case TaskBuild:
			s.inflight.Add(1)
			go func(t Task) {
				defer s.inflight.Done()
				if err := s.graph.Execute(t); err != nil && !errors.Is(err, ErrStaleBuildDiscarded) {
					log.Errorf("scheduler: build for node %d failed: %v", t.Node, err)
				}
			}(task)
		case TaskIngest:
			ingest = append(ingest, task)
		case TaskAnalyze:
			analyze = append(analyze, task)
		case TaskDeliver:
			deliver = append(deliver, task)
		}
	}

	for _, wave := range [][]Task{ingest, analyze, deliver} {
		if err := s.runWave(wave); err != nil {
			return err
		}
	}

	s.graph.FinishTick(tick)
	return nil
}

// runWave executes one wave's tasks across the worker pool and waits
// for all of them. The first fatal error wins; degrade-class errors are
// logged and absorbed.
func (s *Scheduler) runWave(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	var once sync.Once
	var fatal error

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.graph.Execute(t); err != nil {
				// Device loss is fatal; io.EOF is a finite source
				// reaching its end. Both stop the run.
				if errors.Is(err, ErrDeviceLost) || errors.Is(err, io.EOF) {
					once.Do(func() { fatal = err })
					return
				}
				log.Errorf("scheduler: task kind %d on node %d: %v", t.Kind, t.Node, err)
			}
		}(task)
	}
	wg.Wait()
	return fatal
}
