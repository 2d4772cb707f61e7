/*Package sweep holds the acquisition sweep configuration and turns it into
the per-device waveform buffers a light-sheet microscope runs on.

A sweep is one synchronized pass: both tunable lenses ramp, the galvos scan,
one laser line gates on, and the camera exposes, all in lock-step for
SweepTime seconds at SampleRate samples per second.

The Store is the single owner of the configuration.  Mutations stage into a
pending copy and only become visible to synthesis when Commit is called, at
the start of the next sweep's configuration phase; an in-flight sweep never
sees a half-applied parameter change.
*/
package sweep

import "math"

// Config is the clocking of a sweep.
type Config struct {
	// SampleRate is the output clock of every device, in Hz.
	SampleRate float64

	// SweepTime is the duration of one sweep, in seconds.
	SweepTime float64
}

// SampleCount is the buffer length every channel must have for this config.
func (c Config) SampleCount() int {
	return int(math.Round(c.SampleRate * c.SweepTime))
}

// LensTiming shapes the ramp for one electrically tunable lens.  The percent
// fields are fractions of total sweep time.
type LensTiming struct {
	DelayPct  float64
	RisePct   float64
	FallPct   float64
	Amplitude float64
	Offset    float64
}

// GalvoTiming shapes the scan waveform for one galvanometer mirror.
type GalvoTiming struct {
	Frequency float64
	Amplitude float64
	Offset    float64

	// DutyCycle in [0,1] is the fraction of each period spent rising;
	// 1 is a pure rising sawtooth.
	DutyCycle float64

	// Phase shifts the waveform, in radians.
	Phase float64

	// Resonant marks a galvo scanned by an external resonant source; the
	// drive line then carries only a DC bias of half the amplitude plus
	// the offset instead of a sawtooth.
	Resonant bool
}

// LaserLine is one laser output channel and its gating pulse.  The percent
// fields are fractions of total sweep time.
type LaserLine struct {
	// Name identifies the line, conventionally the wavelength in nm
	// (e.g. "488").
	Name string

	DelayPct float64
	PulsePct float64

	// MaxVoltage is the drive voltage corresponding to 100% intensity.
	MaxVoltage float64
}

// PulseTiming shapes the camera exposure gate.  The percent fields are
// fractions of total sweep time.
type PulseTiming struct {
	DelayPct  float64
	PulsePct  float64
	Amplitude float64
}

// Params is the full configuration of one sweep.  It is a plain value;
// synthesis receives it by value and the Store versions it, so no shared
// mutable state reaches the pure layer.
type Params struct {
	Clock Config

	LensLeft  LensTiming
	LensRight LensTiming

	GalvoLeft  GalvoTiming
	GalvoRight GalvoTiming

	// LaserLines are the configured laser channels in row order of the
	// laser output device.
	LaserLines []LaserLine

	// ActiveLaser names the single line gated on this sweep; every other
	// line's row is forced to zero.
	ActiveLaser string

	// LaserIntensity is the commanded intensity in percent of the active
	// line's MaxVoltage.
	LaserIntensity float64

	Camera PulseTiming

	// Zoom is the current magnification, a calibration table key
	// (e.g. "1x").
	Zoom string

	// CalibrationFile is the path of the lens calibration resource.
	CalibrationFile string
}

// clone returns a deep copy of p; Params is value-like except for the
// LaserLines slice.
func (p Params) clone() Params {
	out := p
	out.LaserLines = append([]LaserLine(nil), p.LaserLines...)
	return out
}

// laserIndex returns the row of the named line, or -1.
func (p Params) laserIndex(name string) int {
	for i, l := range p.LaserLines {
		if l.Name == name {
			return i
		}
	}
	return -1
}
