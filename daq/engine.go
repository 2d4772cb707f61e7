package daq

import (
	"context"
	"errors"
	"log"
	"sync"

	"golang.org/x/time/rate"

	"github.com/oplab/lightsweep/sweep"
)

// ErrBusy is returned by Engine.Start while a run is already in flight.
var ErrBusy = errors.New("daq: a run is already in progress")

// Status is a snapshot of the engine's progress, shaped for the HTTP layer.
type Status struct {
	Running   bool   `json:"running"`
	Requested int    `json:"requested"`
	Completed int    `json:"completed"`
	Version   uint64 `json:"version"`
	LastError string `json:"lastError"`
}

// Engine runs multi-sweep acquisitions.  Between consecutive sweeps it
// commits the store, so parameter writes land on a sweep boundary and never
// inside one, and it paces sweep starts with a rate limiter so a fast
// simulated rig does not outrun the requested frame interval.
type Engine struct {
	store *sweep.Store
	orch  *Orchestrator

	mu     sync.Mutex
	cancel context.CancelFunc
	status Status
	wg     sync.WaitGroup
}

// NewEngine builds an Engine over the store and orchestrator.
func NewEngine(store *sweep.Store, orch *Orchestrator) *Engine {
	return &Engine{store: store, orch: orch}
}

// Store returns the engine's parameter store.
func (e *Engine) Store() *sweep.Store { return e.store }

// Preview synthesizes waveforms from the staged parameters without
// committing or running anything.
func (e *Engine) Preview() (sweep.Bundles, error) {
	return sweep.Synthesize(e.store.Staged())
}

// Start launches a run of sweeps sweeps, at most perSecond sweep starts per
// second (0 means unpaced).  It returns immediately; progress is visible
// through Status.  Only one run may be in flight.
func (e *Engine) Start(sweeps int, perSecond float64) error {
	if sweeps <= 0 {
		return errors.New("daq: sweep count must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Running {
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.status = Status{Running: true, Requested: sweeps}
	e.wg.Add(1)
	go e.run(ctx, sweeps, perSecond)
	return nil
}

// Stop cancels the in-flight run, if any, and blocks until it has wound
// down.  Stopping an idle engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Status returns a snapshot of the current or last run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Close stops any run and tears down the rig.
func (e *Engine) Close() error {
	e.Stop()
	return e.orch.Teardown()
}

func (e *Engine) run(ctx context.Context, sweeps int, perSecond float64) {
	defer e.wg.Done()
	err := e.loop(ctx, sweeps, perSecond)
	e.mu.Lock()
	e.status.Running = false
	e.cancel = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		e.status.LastError = err.Error()
		log.Printf("sweep run aborted after %d/%d: %v",
			e.status.Completed, sweeps, err)
	}
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context, sweeps int, perSecond float64) error {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	for i := 0; i < sweeps; i++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		p, version := e.store.Commit()
		b, err := sweep.Synthesize(p)
		if err != nil {
			return err
		}
		if err := e.orch.Sweep(ctx, b); err != nil {
			return err
		}
		e.mu.Lock()
		e.status.Completed++
		e.status.Version = version
		e.mu.Unlock()
	}
	return nil
}
