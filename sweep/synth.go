package sweep

import (
	"errors"

	"github.com/oplab/lightsweep/waveform"
)

// Errors returned by Synthesize for configurations no waveform can be built
// from.
var (
	ErrNonPositiveRate = errors.New("sweep: sample rate must be positive")
	ErrNonPositiveTime = errors.New("sweep: sweep time must be positive")
	ErrUnknownLaser    = errors.New("sweep: selected laser line is not configured")
	ErrRaggedBundle    = errors.New("sweep: waveform buffers have mismatched sample counts")
)

// Rows of the galvo/lens bundle, matching the analog output device's
// channel order.
const (
	RowGalvoLeft = iota
	RowGalvoRight
	RowLensLeft
	RowLensRight

	// NumGalvoLensRows is the channel count of the galvo/lens device.
	NumGalvoLensRows
)

// Bundles holds one sweep's worth of samples for every output device, ready
// to hand to the device layer.  Each inner slice is one physical channel and
// all channels have the same length.
type Bundles struct {
	// SampleRate and SweepTime echo the clock the buffers were built for.
	SampleRate float64
	SweepTime  float64

	// GalvoLens is the combined galvo/lens analog output, indexed by the
	// Row constants.
	GalvoLens [][]float64

	// Laser holds one row per configured laser line, in LaserLines order.
	// Every row except the active line's is all zero.
	Laser [][]float64

	// Camera is the exposure gate pulse.
	Camera []float64
}

// SampleCount is the per-channel buffer length.
func (b Bundles) SampleCount() int {
	if len(b.GalvoLens) == 0 {
		return len(b.Camera)
	}
	return len(b.GalvoLens[0])
}

// Synthesize computes every device buffer for one sweep from p.  It is a
// pure function: equal inputs produce equal outputs, and it performs no I/O
// and holds no state between calls.
func Synthesize(p Params) (Bundles, error) {
	if p.Clock.SampleRate <= 0 {
		return Bundles{}, ErrNonPositiveRate
	}
	if p.Clock.SweepTime <= 0 {
		return Bundles{}, ErrNonPositiveTime
	}
	active := p.laserIndex(p.ActiveLaser)
	if active < 0 {
		return Bundles{}, ErrUnknownLaser
	}
	rate, dur := p.Clock.SampleRate, p.Clock.SweepTime

	b := Bundles{SampleRate: rate, SweepTime: dur}
	b.GalvoLens = make([][]float64, NumGalvoLensRows)
	b.GalvoLens[RowGalvoLeft] = galvoRow(rate, dur, p.GalvoLeft)
	b.GalvoLens[RowGalvoRight] = galvoRow(rate, dur, p.GalvoRight)
	b.GalvoLens[RowLensLeft] = lensRow(rate, dur, p.LensLeft)
	b.GalvoLens[RowLensRight] = lensRow(rate, dur, p.LensRight)

	b.Laser = make([][]float64, len(p.LaserLines))
	for i, line := range p.LaserLines {
		if i != active {
			b.Laser[i] = waveform.DCValue(rate, dur, 0)
			continue
		}
		volts := line.MaxVoltage * p.LaserIntensity / 100
		b.Laser[i] = waveform.SinglePulse(rate, dur,
			line.DelayPct, line.PulsePct, volts, 0)
	}

	b.Camera = waveform.SinglePulse(rate, dur,
		p.Camera.DelayPct, p.Camera.PulsePct, p.Camera.Amplitude, 0)

	if err := b.validate(); err != nil {
		return Bundles{}, err
	}
	return b, nil
}

func galvoRow(rate, dur float64, t GalvoTiming) []float64 {
	if t.Resonant {
		return waveform.DCValue(rate, dur, 0.5*t.Amplitude+t.Offset)
	}
	return waveform.Sawtooth(rate, dur,
		t.Frequency, t.Amplitude, t.Offset, t.DutyCycle, t.Phase)
}

func lensRow(rate, dur float64, t LensTiming) []float64 {
	return waveform.TunableLensRamp(rate, dur,
		t.DelayPct, t.RisePct, t.FallPct, t.Amplitude, t.Offset)
}

// validate checks that every channel carries the same sample count; a
// mismatch would desynchronize the devices mid-sweep.
func (b Bundles) validate() error {
	n := b.SampleCount()
	for _, row := range b.GalvoLens {
		if len(row) != n {
			return ErrRaggedBundle
		}
	}
	for _, row := range b.Laser {
		if len(row) != n {
			return ErrRaggedBundle
		}
	}
	if len(b.Camera) != n {
		return ErrRaggedBundle
	}
	return nil
}
