// sweeprun drives a batch of sweeps on a simulated rig from the command
// line, without the HTTP server.  Useful for smoke-testing parameter sets
// and for timing sweep pacing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/theckman/yacspin"

	"github.com/oplab/lightsweep/daq"
	"github.com/oplab/lightsweep/sweep"
)

func defaultParams(sampleRate, sweepTime float64) sweep.Params {
	return sweep.Params{
		Clock: sweep.Config{SampleRate: sampleRate, SweepTime: sweepTime},
		LensLeft: sweep.LensTiming{
			DelayPct: 7.5, RisePct: 85, FallPct: 2.5,
			Amplitude: 0.7, Offset: 2.3,
		},
		LensRight: sweep.LensTiming{
			DelayPct: 7.5, RisePct: 85, FallPct: 2.5,
			Amplitude: 0.65, Offset: 2.36,
		},
		GalvoLeft: sweep.GalvoTiming{
			Frequency: 99.9, Amplitude: 6, DutyCycle: 0.5,
		},
		GalvoRight: sweep.GalvoTiming{
			Frequency: 99.9, Amplitude: 6, DutyCycle: 0.5,
		},
		LaserLines: []sweep.LaserLine{
			{Name: "488", DelayPct: 10, PulsePct: 87.5, MaxVoltage: 5},
			{Name: "561", DelayPct: 10, PulsePct: 87.5, MaxVoltage: 5},
		},
		ActiveLaser:    "488",
		LaserIntensity: 100,
		Camera:         sweep.PulseTiming{DelayPct: 10, PulsePct: 1, Amplitude: 5},
		Zoom:           "1x",
	}
}

func main() {
	var (
		sweeps     = flag.Int("n", 10, "number of sweeps to run")
		perSecond  = flag.Float64("rate", 5, "sweep starts per second, 0 for unpaced")
		sampleRate = flag.Float64("samplerate", 100000, "sample clock in Hz")
		sweepTime  = flag.Float64("sweeptime", 0.2, "sweep duration in seconds")
		laser      = flag.String("laser", "488", "active laser line")
		intensity  = flag.Float64("intensity", 100, "laser intensity in percent")
	)
	flag.Parse()

	p := defaultParams(*sampleRate, *sweepTime)
	p.ActiveLaser = *laser
	p.LaserIntensity = *intensity
	store := sweep.NewStore(p)

	rig := daq.NewSimRig(len(p.LaserLines))
	engine := daq.NewEngine(store, daq.New(rig.Rig(), rig.Lines()))
	defer engine.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " sweeping",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	start := time.Now()
	if err := engine.Start(*sweeps, *perSecond); err != nil {
		spinner.Stop()
		log.Fatal(err)
	}
	for {
		st := engine.Status()
		spinner.Message(fmt.Sprintf("%d/%d", st.Completed, *sweeps))
		if !st.Running {
			spinner.Stop()
			if st.LastError != "" {
				fmt.Fprintln(os.Stderr, "run failed:", st.LastError)
				os.Exit(1)
			}
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	elapsed := time.Since(start)

	fmt.Printf("ran %d sweeps in %v\n", *sweeps, elapsed.Round(time.Millisecond))
	fmt.Printf("  master pulses: %d\n", rig.Master.Generations())
	fmt.Printf("  camera gates:  %d\n", rig.Camera.Generations())
	fmt.Printf("  galvo/lens buffers: %d x %d samples\n",
		rig.GalvoLens.Generations(), int(*sampleRate**sweepTime))
	fmt.Printf("  laser buffers: %d\n", rig.Laser.Generations())
}
