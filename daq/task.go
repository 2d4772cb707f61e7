package daq

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBadChannelMode is returned when a channel mode is out of range.
var ErrBadChannelMode = errors.New("daq: invalid channel mode")

// State is the lifecycle position of a Task.
type State int

// Task lifecycle states.  Closed is terminal.
const (
	Unconfigured State = iota
	Configured
	Armed
	Running
	Stopped
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateError reports an operation attempted from a state that does not
// permit it.
type StateError struct {
	Task  string
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("daq: task %s: cannot %s while %s", e.Task, e.Op, e.State)
}

// TaskConfig describes one device task.
type TaskConfig struct {
	// Lines are the physical channel names, one buffer row each.
	Lines []string

	Mode ChannelMode

	// SampleRate in Hz and Samples per channel set the task clock.
	SampleRate float64
	Samples    int

	// TriggerSource, when non-empty, holds generation until a rising edge
	// on that line; the task is then a slave of whoever drives it.
	TriggerSource string
}

// Task wraps an Adapter with lifecycle enforcement.  Every method checks the
// current state before touching the device, so an out-of-order call fails
// fast with a StateError instead of wedging hardware.  Task is safe for
// concurrent use.
type Task struct {
	mu    sync.Mutex
	name  string
	dev   Adapter
	state State
}

// NewTask wraps dev.  The name is used only in errors.
func NewTask(name string, dev Adapter) *Task {
	return &Task{name: name, dev: dev}
}

// Name returns the task's label.
func (t *Task) Name() string { return t.name }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) check(op string, allowed ...State) error {
	for _, s := range allowed {
		if t.state == s {
			return nil
		}
	}
	return &StateError{Task: t.name, Op: op, State: t.state}
}

// Configure sets up channels, clock and trigger.  Valid from Unconfigured,
// Configured, or Stopped; reconfiguring replaces the previous setup.
func (t *Task) Configure(cfg TaskConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("configure", Unconfigured, Configured, Stopped); err != nil {
		return err
	}
	if err := cfg.Mode.Validate(); err != nil {
		return err
	}
	for _, line := range cfg.Lines {
		if err := t.dev.ConfigureChannel(line, cfg.Mode); err != nil {
			return err
		}
	}
	if err := t.dev.SetClock(cfg.SampleRate, cfg.Samples); err != nil {
		return err
	}
	if err := t.dev.SetTrigger(cfg.TriggerSource); err != nil {
		return err
	}
	t.state = Configured
	return nil
}

// Write loads the buffer, one row per configured line.  Valid from
// Configured or Stopped.
func (t *Task) Write(rows [][]float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("write", Configured, Stopped); err != nil {
		return err
	}
	return t.dev.Write(rows)
}

// Arm starts the device so it waits on its trigger edge.  Valid from
// Configured or Stopped.
func (t *Task) Arm() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("arm", Configured, Stopped); err != nil {
		return err
	}
	if err := t.dev.Start(); err != nil {
		return err
	}
	t.state = Armed
	return nil
}

// Run starts generation immediately, for software-timed tasks with no
// trigger source.  Valid from Configured or Stopped.
func (t *Task) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("run", Configured, Stopped); err != nil {
		return err
	}
	if err := t.dev.Start(); err != nil {
		return err
	}
	t.state = Running
	return nil
}

// Wait blocks until the buffer has been generated, at most timeout.  Valid
// from Armed or Running; the task is Stopped afterwards on success.
func (t *Task) Wait(timeout time.Duration) error {
	t.mu.Lock()
	if err := t.check("wait", Armed, Running); err != nil {
		t.mu.Unlock()
		return err
	}
	dev := t.dev
	t.mu.Unlock()
	// waiting happens outside the lock so Stop can interrupt
	if err := dev.WaitUntilDone(timeout); err != nil {
		return err
	}
	t.mu.Lock()
	if t.state == Armed || t.state == Running {
		t.state = Stopped
	}
	t.mu.Unlock()
	return nil
}

// Stop aborts generation.  Stopping an already stopped task is a no-op.
func (t *Task) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Stopped {
		return nil
	}
	if err := t.check("stop", Configured, Armed, Running); err != nil {
		return err
	}
	if err := t.dev.Stop(); err != nil {
		return err
	}
	t.state = Stopped
	return nil
}

// Close releases the device.  Closed is terminal: every later call returns
// a StateError.
func (t *Task) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check("close", Unconfigured, Configured, Armed, Running, Stopped); err != nil {
		return err
	}
	if err := t.dev.Close(); err != nil {
		return err
	}
	t.state = Closed
	return nil
}
