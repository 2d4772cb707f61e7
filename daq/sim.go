package daq

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// triggerBus ties simulated devices together: when a software-timed device
// generates, the bus presents a rising edge on each of its lines.  Only
// devices that are already started when the edge arrives generate their
// buffers; an edge on an unstarted device is lost, exactly as on hardware.
type triggerBus struct {
	mu      sync.Mutex
	devices []*SimDevice
}

func (b *triggerBus) attach(d *SimDevice) {
	b.mu.Lock()
	b.devices = append(b.devices, d)
	b.mu.Unlock()
}

func (b *triggerBus) fire(line string) {
	b.mu.Lock()
	devs := append([]*SimDevice(nil), b.devices...)
	b.mu.Unlock()
	for _, d := range devs {
		d.edge(line)
	}
}

// SimDevice is an in-memory Adapter.  It records every buffer actually
// delivered through a trigger edge, so tests and the simulation binaries can
// inspect what a real device would have put on the wire.
type SimDevice struct {
	mu       sync.Mutex
	name     string
	bus      *triggerBus
	channels []string
	modes    map[string]ChannelMode
	rate     float64
	samples  int
	trigger  string
	buffer   [][]float64
	started  bool
	closed   bool
	done     chan struct{}

	delivered [][][]float64
	starts    int
}

// NewSimDevice returns a standalone simulated device, not wired to any bus.
// Use NewSimRig for a full set of interconnected devices.
func NewSimDevice(name string) *SimDevice {
	return &SimDevice{name: name, modes: make(map[string]ChannelMode)}
}

// ConfigureChannel implements Adapter.  Adding a line twice is a no-op.
func (d *SimDevice) ConfigureChannel(line string, mode ChannelMode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("sim %s: device is closed", d.name)
	}
	if _, ok := d.modes[line]; !ok {
		d.channels = append(d.channels, line)
		d.modes[line] = mode
	}
	return nil
}

// SetClock implements Adapter.
func (d *SimDevice) SetClock(rate float64, samples int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rate <= 0 || samples <= 0 {
		return fmt.Errorf("sim %s: clock %v Hz / %d samples out of range", d.name, rate, samples)
	}
	d.rate, d.samples = rate, samples
	return nil
}

// SetTrigger implements Adapter.
func (d *SimDevice) SetTrigger(source string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trigger = source
	return nil
}

// Write implements Adapter, checking the buffer against the configured
// channels and clock the way a driver would.
func (d *SimDevice) Write(rows [][]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(rows) != len(d.channels) {
		return fmt.Errorf("sim %s: %d rows for %d channels", d.name, len(rows), len(d.channels))
	}
	buf := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != d.samples {
			return fmt.Errorf("sim %s: row %d has %d samples, clock set for %d",
				d.name, i, len(row), d.samples)
		}
		buf[i] = append([]float64(nil), row...)
	}
	d.buffer = buf
	return nil
}

// Start implements Adapter.  With no trigger source the device generates
// immediately and, if attached to a bus, presents an edge on each of its
// lines.  With a trigger source it arms and waits.
func (d *SimDevice) Start() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("sim %s: device is closed", d.name)
	}
	d.started = true
	d.starts++
	d.done = make(chan struct{})
	immediate := d.trigger == ""
	lines := append([]string(nil), d.channels...)
	bus := d.bus
	if immediate {
		d.generateLocked()
	}
	d.mu.Unlock()

	if immediate && bus != nil {
		for _, line := range lines {
			bus.fire(line)
		}
	}
	return nil
}

// edge delivers a rising edge on line.  Armed devices triggering on that
// line generate; everything else ignores it.
func (d *SimDevice) edge(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || d.trigger != line {
		return
	}
	d.generateLocked()
}

// generateLocked marks the loaded buffer as put on the wire.  Generation is
// instantaneous in simulation; real time only matters to WaitUntilDone's
// timeout.
func (d *SimDevice) generateLocked() {
	select {
	case <-d.done:
		return // already generated this start
	default:
	}
	out := make([][]float64, len(d.buffer))
	for i, row := range d.buffer {
		out[i] = append([]float64(nil), row...)
	}
	d.delivered = append(d.delivered, out)
	close(d.done)
}

// WaitUntilDone implements Adapter.  An expiry on a device armed with a
// trigger source that never saw its edge carries ErrNeverTriggered, so the
// arming-order mistake that is silent on hardware is observable here.
func (d *SimDevice) WaitUntilDone(timeout time.Duration) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return errors.New("sim " + d.name + ": wait before start")
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		d.mu.Lock()
		armed := d.started && d.trigger != ""
		d.mu.Unlock()
		if armed {
			return &TimeoutError{Timeout: timeout, Cause: ErrNeverTriggered}
		}
		return &TimeoutError{Timeout: timeout}
	}
}

// Stop implements Adapter.
func (d *SimDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Close implements Adapter.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.closed = true
	return nil
}

// Delivered returns every buffer the device has generated, oldest first.
func (d *SimDevice) Delivered() [][][]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][][]float64, len(d.delivered))
	copy(out, d.delivered)
	return out
}

// Generations returns how many buffers the device has generated.
func (d *SimDevice) Generations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// Starts returns how many times the device has been started.
func (d *SimDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// SimRig is a full simulated rig: four devices on one trigger bus, plus the
// line names wiring them together the way the hardware is cabled.
type SimRig struct {
	Master    *SimDevice
	Camera    *SimDevice
	GalvoLens *SimDevice
	Laser     *SimDevice

	lines Lines
}

// NewSimRig builds a rig with nLaser laser channels.  The line names mimic
// a PXI card's resource syntax.
func NewSimRig(nLaser int) *SimRig {
	bus := &triggerBus{}
	r := &SimRig{
		Master:    NewSimDevice("master"),
		Camera:    NewSimDevice("camera"),
		GalvoLens: NewSimDevice("galvo-lens"),
		Laser:     NewSimDevice("laser"),
	}
	laser := make([]string, nLaser)
	for i := range laser {
		laser[i] = fmt.Sprintf("sim/ao%d", 4+i)
	}
	r.lines = Lines{
		MasterTrigger: "sim/port0/line1",
		CameraTrigger: "sim/port0/line0",
		GalvoLens:     []string{"sim/ao0", "sim/ao1", "sim/ao2", "sim/ao3"},
		Laser:         laser,
	}
	for _, d := range []*SimDevice{r.Master, r.Camera, r.GalvoLens, r.Laser} {
		d.bus = bus
		bus.attach(d)
	}
	return r
}

// Rig exposes the devices through the Adapter interface.
func (r *SimRig) Rig() Rig {
	return Rig{
		Master:    r.Master,
		Camera:    r.Camera,
		GalvoLens: r.GalvoLens,
		Laser:     r.Laser,
	}
}

// Lines returns the rig's channel wiring.
func (r *SimRig) Lines() Lines { return r.lines }
