/*Package daq sequences the output devices of one acquisition sweep.

A sweep involves four tasks: a master digital trigger, a camera exposure
trigger, a combined galvo/lens analog output, and a laser analog output.
The three slave tasks are armed first and block on the master's trigger
edge; firing the master releases them all on the same clock edge, which is
what keeps the devices phase-locked without any software timing.

The package talks to hardware through the Adapter interface; sim.go holds
an in-memory implementation used by the simulation binaries and the tests.
*/
package daq

import "time"

// ChannelMode is the electrical class of an output channel.
type ChannelMode int

// Channel modes accepted by ConfigureChannel.
const (
	AnalogOut ChannelMode = iota
	DigitalOut
)

// Validate returns an error if m is not a defined channel mode.
func (m ChannelMode) Validate() error {
	if m != AnalogOut && m != DigitalOut {
		return ErrBadChannelMode
	}
	return nil
}

// Format returns a human-readable label for m.
func (m ChannelMode) Format() string {
	switch m {
	case AnalogOut:
		return "analog out"
	case DigitalOut:
		return "digital out"
	default:
		return "invalid"
	}
}

// Adapter is the contract a physical (or simulated) output device satisfies.
// Implementations need not be safe for concurrent use; Task serializes
// access.
type Adapter interface {
	// ConfigureChannel adds the named line to the task in the given mode.
	ConfigureChannel(line string, mode ChannelMode) error

	// SetClock sets the sample clock rate in Hz and the buffer length in
	// samples per channel.
	SetClock(rate float64, samples int) error

	// SetTrigger makes generation wait for a rising edge on source.  An
	// empty source means Start begins generation immediately.
	SetTrigger(source string) error

	// Write loads one buffer row per configured channel.
	Write(rows [][]float64) error

	// Start begins generation, or arms the device if a trigger source is
	// set.
	Start() error

	// WaitUntilDone blocks until the loaded buffer has been generated or
	// the timeout elapses.
	WaitUntilDone(timeout time.Duration) error

	// Stop aborts generation and returns the device to a configurable
	// state.
	Stop() error

	// Close releases the device.  No method may be called afterwards.
	Close() error
}
