package daq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oplab/lightsweep/sweep"
)

// TimeoutError reports a task whose buffer did not finish generating within
// the allotted window.  It is distinct from StateError so callers can tell a
// stuck device from a sequencing bug.  Cause, when set, names why the device
// never finished (e.g. ErrNeverTriggered).
type TimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("daq: generation did not finish within %v: %v", e.Timeout, e.Cause)
	}
	return fmt.Sprintf("daq: generation did not finish within %v", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrNeverTriggered marks a wait that expired on an armed task whose trigger
// edge never arrived, usually because the task was armed after the master
// had already fired.
var ErrNeverTriggered = errors.New("daq: armed task never received its trigger edge")

// Errors returned by the orchestrator's lifecycle methods.
var (
	ErrNotArmed   = errors.New("daq: no armed sweep")
	ErrStaleToken = errors.New("daq: token does not match the armed sweep")
)

// waitMargin is added to the sweep duration when bounding Wait, covering
// trigger propagation and device start latency.
const waitMargin = 500 * time.Millisecond

// masterPulse is the trigger waveform: low, three samples high, low.  The
// rising edge on sample 1 releases every armed slave task.
var masterPulse = []float64{0, 1, 1, 1, 0}

// Rig is the set of output devices behind one microscope.
type Rig struct {
	Master    Adapter
	Camera    Adapter
	GalvoLens Adapter
	Laser     Adapter
}

// Lines names the physical channels of the rig.
type Lines struct {
	// MasterTrigger is the digital line the master pulse is generated on;
	// every slave task triggers on its rising edge.
	MasterTrigger string

	// CameraTrigger is the digital line carrying the exposure gate.
	CameraTrigger string

	// GalvoLens are the four analog channels of the combined galvo/lens
	// device, in bundle row order.
	GalvoLens []string

	// Laser are the analog channels of the laser device, one per
	// configured laser line, in bundle row order.
	Laser []string
}

// Token is the capability returned by Arm.  Fire and Wait only accept the
// token of the currently armed sweep, so a stale caller cannot trigger or
// consume a sweep it did not arm.
type Token struct {
	seq      uint64
	duration time.Duration
}

// Orchestrator sequences the four tasks of a sweep: arm the slaves, fire
// the master, wait for every buffer to drain, tear down.  It is safe for
// concurrent use; at most one sweep is armed at a time.
type Orchestrator struct {
	mu    sync.Mutex
	seq   uint64
	armed *Token

	master    *Task
	camera    *Task
	galvoLens *Task
	laser     *Task

	lines Lines
}

// New builds an Orchestrator over the rig's devices.
func New(rig Rig, lines Lines) *Orchestrator {
	return &Orchestrator{
		master:    NewTask("master-trigger", rig.Master),
		camera:    NewTask("camera-trigger", rig.Camera),
		galvoLens: NewTask("galvo-lens", rig.GalvoLens),
		laser:     NewTask("laser", rig.Laser),
		lines:     lines,
	}
}

func (o *Orchestrator) slaves() []*Task {
	return []*Task{o.camera, o.galvoLens, o.laser}
}

// Arm configures and starts the three slave tasks so they block on the
// master edge, then configures the master.  The returned Token must be
// passed to Fire and Wait.  Arming while a sweep is already armed fails.
func (o *Orchestrator) Arm(b sweep.Bundles) (*Token, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.armed != nil {
		return nil, errors.New("daq: a sweep is already armed")
	}
	if len(b.GalvoLens) != len(o.lines.GalvoLens) {
		return nil, fmt.Errorf("daq: bundle has %d galvo/lens rows, rig has %d channels",
			len(b.GalvoLens), len(o.lines.GalvoLens))
	}
	if len(b.Laser) != len(o.lines.Laser) {
		return nil, fmt.Errorf("daq: bundle has %d laser rows, rig has %d channels",
			len(b.Laser), len(o.lines.Laser))
	}
	n := b.SampleCount()

	type slaveSetup struct {
		task *Task
		cfg  TaskConfig
		rows [][]float64
	}
	setups := []slaveSetup{
		{o.camera, TaskConfig{
			Lines:         []string{o.lines.CameraTrigger},
			Mode:          DigitalOut,
			SampleRate:    b.SampleRate,
			Samples:       n,
			TriggerSource: o.lines.MasterTrigger,
		}, [][]float64{b.Camera}},
		{o.galvoLens, TaskConfig{
			Lines:         o.lines.GalvoLens,
			Mode:          AnalogOut,
			SampleRate:    b.SampleRate,
			Samples:       n,
			TriggerSource: o.lines.MasterTrigger,
		}, b.GalvoLens},
		{o.laser, TaskConfig{
			Lines:         o.lines.Laser,
			Mode:          AnalogOut,
			SampleRate:    b.SampleRate,
			Samples:       n,
			TriggerSource: o.lines.MasterTrigger,
		}, b.Laser},
	}
	armSlave := func(s slaveSetup) error {
		if err := s.task.Configure(s.cfg); err != nil {
			return err
		}
		if err := s.task.Write(s.rows); err != nil {
			return err
		}
		return s.task.Arm()
	}
	for i, s := range setups {
		if err := armSlave(s); err != nil {
			// stop whatever was already armed so the rig can rearm;
			// the arm error is the one the caller needs
			for _, d := range setups[:i+1] {
				unwind(d.task)
			}
			return nil, fmt.Errorf("%s: %w", s.task.Name(), err)
		}
	}

	err := o.master.Configure(TaskConfig{
		Lines:      []string{o.lines.MasterTrigger},
		Mode:       DigitalOut,
		SampleRate: b.SampleRate,
		Samples:    len(masterPulse),
	})
	if err != nil {
		for _, s := range setups {
			unwind(s.task)
		}
		return nil, fmt.Errorf("%s: %w", o.master.Name(), err)
	}

	o.seq++
	o.armed = &Token{
		seq:      o.seq,
		duration: time.Duration(b.SweepTime * float64(time.Second)),
	}
	return o.armed, nil
}

// Fire writes the master pulse and starts it, releasing every armed slave
// on the pulse's rising edge.
func (o *Orchestrator) Fire(tok *Token) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkToken(tok); err != nil {
		return err
	}
	if err := o.master.Write([][]float64{masterPulse}); err != nil {
		return fmt.Errorf("%s: %w", o.master.Name(), err)
	}
	if err := o.master.Run(); err != nil {
		return fmt.Errorf("%s: %w", o.master.Name(), err)
	}
	return nil
}

// Wait blocks until every task has drained its buffer, bounded per task by
// the sweep duration plus a fixed margin.  The token is consumed whether or
// not the wait succeeds.
func (o *Orchestrator) Wait(tok *Token) error {
	o.mu.Lock()
	if err := o.checkToken(tok); err != nil {
		o.mu.Unlock()
		return err
	}
	o.armed = nil
	timeout := tok.duration + waitMargin
	tasks := append([]*Task{o.master}, o.slaves()...)
	o.mu.Unlock()

	for _, t := range tasks {
		if err := t.Wait(timeout); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) checkToken(tok *Token) error {
	if o.armed == nil {
		return ErrNotArmed
	}
	if tok == nil || tok.seq != o.armed.seq {
		return ErrStaleToken
	}
	return nil
}

// Sweep runs one full arm/fire/wait cycle and stops all tasks afterwards so
// the next sweep can rearm them.
func (o *Orchestrator) Sweep(ctx context.Context, b sweep.Bundles) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tok, err := o.Arm(b)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		o.abort(tok)
		return err
	}
	if err := o.Fire(tok); err != nil {
		o.abort(tok)
		return err
	}
	if err := o.Wait(tok); err != nil {
		o.stopAll()
		return err
	}
	return o.stopAll()
}

// abort disarms without firing, stopping whatever was started.
func (o *Orchestrator) abort(tok *Token) {
	o.mu.Lock()
	if o.armed != nil && tok != nil && tok.seq == o.armed.seq {
		o.armed = nil
	}
	o.mu.Unlock()
	o.stopAll()
}

func (o *Orchestrator) stopAll() error {
	var first error
	for _, t := range append(o.slaves(), o.master) {
		if err := t.Stop(); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return first
}

// Teardown stops and closes every task, slaves before the master so no
// slave is ever left waiting on a trigger line that has gone away.  All
// tasks are closed even if some fail; the first error is returned.
func (o *Orchestrator) Teardown() error {
	o.mu.Lock()
	o.armed = nil
	o.mu.Unlock()

	var first error
	for _, t := range append(o.slaves(), o.master) {
		if t.State() == Closed {
			continue
		}
		if err := t.Stop(); err != nil && first == nil {
			if !isUnconfigured(err) {
				first = fmt.Errorf("%s: %w", t.Name(), err)
			}
		}
		if err := t.Close(); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return first
}

// unwind stops a task after a failed Arm so it is left rearmable.  Tasks the
// failure left untouched stop with a harmless StateError; device stop
// failures are logged, since the caller is already returning the arm error.
func unwind(t *Task) {
	if err := t.Stop(); err != nil && !isUnconfigured(err) {
		log.Printf("daq: stopping %s after failed arm: %v", t.Name(), err)
	}
}

// isUnconfigured reports whether err is a StateError for a task that was
// never configured; stopping such a task during teardown is harmless.
func isUnconfigured(err error) bool {
	var se *StateError
	return errors.As(err, &se) && se.State == Unconfigured
}
