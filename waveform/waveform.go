/*Package waveform generates the per-sample drive signals used to scan a
light-sheet microscope: ramps for the electrically tunable lenses, sawtooths
for digitally scanned galvos, DC biases for resonant galvos, and gating
pulses for the lasers and camera.

All generators share two conventions:

 1. A waveform spans sweepTime seconds sampled at sampleRate Hz; its length
    is Samples(sampleRate, sweepTime) = round(rate*time).
 2. Timing parameters expressed in percent (delay, rise, fall, pulse) are
    fractions of the TOTAL sweep time, not of the post-delay remainder.
    This mirrors the convention of the calibration tables and control GUIs
    these signals are tuned against; do not "fix" it.

The generators are pure; calling one twice with the same arguments yields
bit-identical slices.
*/
package waveform

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Samples returns the number of samples in a sweep of sweepTime seconds
// sampled at sampleRate Hz.
func Samples(sampleRate, sweepTime float64) int {
	return int(math.Round(sampleRate * sweepTime))
}

// pctSamples converts a percent-of-sweep-time parameter to a sample count,
// clamped to [0, n].
func pctSamples(n int, pct float64) int {
	s := int(math.Round(float64(n) * pct / 100))
	if s < 0 {
		return 0
	}
	if s > n {
		return n
	}
	return s
}

// span fills dst with a linear ramp from start to end.  floats.Span needs
// at least two samples; a segment that rounds to a single sample takes the
// end value so the ramp still lands on its target.
func span(dst []float64, start, end float64) {
	switch len(dst) {
	case 0:
	case 1:
		dst[0] = end
	default:
		floats.Span(dst, start, end)
	}
}

// TunableLensRamp returns the drive waveform for an electrically tunable
// lens: offset during the delay period, a linear rise to offset+amplitude
// over the rise period, a linear fall back to offset over the fall period,
// then offset for the remainder of the sweep.
//
// delay, rise and fall are percents of total sweep time.  If they sum past
// 100 they are clamped in that order, never rejected; a sweep must always
// produce a waveform.
func TunableLensRamp(sampleRate, sweepTime, delay, rise, fall, amplitude, offset float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	delayS := pctSamples(n, delay)
	riseS := pctSamples(n, rise)
	fallS := pctSamples(n, fall)
	if delayS+riseS > n {
		riseS = n - delayS
	}
	if delayS+riseS+fallS > n {
		fallS = n - delayS - riseS
	}
	for i := 0; i < delayS; i++ {
		w[i] = offset
	}
	span(w[delayS:delayS+riseS], offset, offset+amplitude)
	span(w[delayS+riseS:delayS+riseS+fallS], offset+amplitude, offset)
	for i := delayS + riseS + fallS; i < n; i++ {
		w[i] = offset
	}
	return w
}

// Sawtooth returns a periodic ramp at the given frequency (Hz).  The output
// spans [offset-amplitude, offset+amplitude]; phase is a shift in radians.
// dutyCycle in [0,1] is the fraction of each period spent rising;
// dutyCycle=1 yields a pure rising sawtooth.
func Sawtooth(sampleRate, sweepTime, frequency, amplitude, offset, dutyCycle, phase float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	if dutyCycle < 0 {
		dutyCycle = 0
	}
	if dutyCycle > 1 {
		dutyCycle = 1
	}
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		pos := math.Mod(frequency*t+phase/(2*math.Pi), 1)
		if pos < 0 {
			pos++
		}
		var y float64
		switch {
		case dutyCycle == 0:
			y = 1 - 2*pos
		case pos < dutyCycle:
			y = -1 + 2*pos/dutyCycle
		default:
			y = 1 - 2*(pos-dutyCycle)/(1-dutyCycle)
		}
		w[i] = amplitude*y + offset
	}
	return w
}

// Square returns a square wave at the given frequency; high for dutyCycle
// of each period.  The output spans [offset-amplitude, offset+amplitude];
// phase is a shift in radians.
func Square(sampleRate, sweepTime, frequency, amplitude, offset, dutyCycle, phase float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	if dutyCycle < 0 {
		dutyCycle = 0
	}
	if dutyCycle > 1 {
		dutyCycle = 1
	}
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		pos := math.Mod(frequency*t+phase/(2*math.Pi), 1)
		if pos < 0 {
			pos++
		}
		if pos < dutyCycle {
			w[i] = amplitude + offset
		} else {
			w[i] = -amplitude + offset
		}
	}
	return w
}

// DCValue returns a constant waveform.  It drives galvos that scan under an
// external resonant source and only need a bias line.
func DCValue(sampleRate, sweepTime, value float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	for i := range w {
		w[i] = value
	}
	return w
}

// SinglePulse returns a waveform that sits at offset except for a high
// region of offset+amplitude starting at delay percent of the sweep and
// lasting pulse percent of the sweep.  delay+pulse past 100 clamps the
// pulse at the end of the sweep.
func SinglePulse(sampleRate, sweepTime, delay, pulse, amplitude, offset float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	delayS := pctSamples(n, delay)
	pulseS := pctSamples(n, pulse)
	if delayS+pulseS > n {
		pulseS = n - delayS
	}
	for i := range w {
		w[i] = offset
	}
	for i := delayS; i < delayS+pulseS; i++ {
		w[i] = amplitude + offset
	}
	return w
}

// CameraExposure returns the camera gate: amplitude for the exposure window
// (seconds) starting delay seconds into the sweep, zero elsewhere.  The
// window is truncated at the end of the sweep if delay+exposure exceeds it.
func CameraExposure(sampleRate, sweepTime, exposure, delay, amplitude float64) []float64 {
	n := Samples(sampleRate, sweepTime)
	w := make([]float64, n)
	start := int(math.Round(sampleRate * delay))
	stop := start + int(math.Round(sampleRate*exposure))
	if start < 0 {
		start = 0
	}
	if stop > n {
		stop = n
	}
	for i := start; i < stop; i++ {
		w[i] = amplitude
	}
	return w
}

// Smooth applies a moving average with window percent*len(w)/100 samples to
// round out sharp transients that excite lens resonances.  The input is
// edge-padded with its first and last values, so the result is
// len(w)+window+1 samples long and pinned to the original endpoints.  A
// window below one sample returns w unchanged.
func Smooth(w []float64, percent float64) []float64 {
	n := len(w)
	window := int(float64(n) * percent / 100)
	if window < 1 {
		return w
	}
	padded := make([]float64, 0, n+2*window)
	for i := 0; i < window; i++ {
		padded = append(padded, w[0])
	}
	padded = append(padded, w...)
	for i := 0; i < window; i++ {
		padded = append(padded, w[n-1])
	}
	out := make([]float64, n+window+1)
	// the first and last windows sit wholly inside the edge padding, so
	// their means are the edge values themselves; computing each interior
	// mean from its own window keeps rounding from drifting across the
	// sweep
	out[0] = w[0]
	out[len(out)-1] = w[n-1]
	for i := 1; i < len(out)-1; i++ {
		out[i] = floats.Sum(padded[i:i+window]) / float64(window)
	}
	return out
}
