package daq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/oplab/lightsweep/daq"
	"github.com/oplab/lightsweep/sweep"
)

func testParams() sweep.Params {
	return sweep.Params{
		Clock: sweep.Config{SampleRate: 1000, SweepTime: 0.05},
		LensLeft: sweep.LensTiming{
			DelayPct: 7.5, RisePct: 85, FallPct: 2.5,
			Amplitude: 0.7, Offset: 2.3,
		},
		LensRight: sweep.LensTiming{
			DelayPct: 7.5, RisePct: 85, FallPct: 2.5,
			Amplitude: 0.65, Offset: 2.36,
		},
		GalvoLeft: sweep.GalvoTiming{
			Frequency: 100, Amplitude: 6, DutyCycle: 0.5,
		},
		GalvoRight: sweep.GalvoTiming{
			Frequency: 100, Amplitude: 6, DutyCycle: 0.5,
		},
		LaserLines: []sweep.LaserLine{
			{Name: "488", DelayPct: 10, PulsePct: 80, MaxVoltage: 5},
			{Name: "561", DelayPct: 10, PulsePct: 80, MaxVoltage: 5},
		},
		ActiveLaser:    "488",
		LaserIntensity: 100,
		Camera:         sweep.PulseTiming{DelayPct: 10, PulsePct: 2, Amplitude: 5},
	}
}

func testBundles(t *testing.T) sweep.Bundles {
	t.Helper()
	b, err := sweep.Synthesize(testParams())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newOrchestrator() (*daq.SimRig, *daq.Orchestrator) {
	rig := daq.NewSimRig(2)
	return rig, daq.New(rig.Rig(), rig.Lines())
}

func TestSweepDeliversEveryBuffer(t *testing.T) {
	rig, o := newOrchestrator()
	b := testBundles(t)
	if err := o.Sweep(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	master := rig.Master.Delivered()
	if len(master) != 1 {
		t.Fatalf("master generations: %d, want 1", len(master))
	}
	wantPulse := [][]float64{{0, 1, 1, 1, 0}}
	if diff := cmp.Diff(wantPulse, master[0]); diff != "" {
		t.Errorf("master pulse (-want +got):\n%s", diff)
	}

	gl := rig.GalvoLens.Delivered()
	if len(gl) != 1 {
		t.Fatalf("galvo/lens generations: %d, want 1", len(gl))
	}
	if diff := cmp.Diff(b.GalvoLens, gl[0]); diff != "" {
		t.Errorf("galvo/lens buffer (-want +got):\n%s", diff)
	}

	laser := rig.Laser.Delivered()
	if len(laser) != 1 {
		t.Fatalf("laser generations: %d, want 1", len(laser))
	}
	if diff := cmp.Diff(b.Laser, laser[0]); diff != "" {
		t.Errorf("laser buffer (-want +got):\n%s", diff)
	}

	cam := rig.Camera.Delivered()
	if len(cam) != 1 {
		t.Fatalf("camera generations: %d, want 1", len(cam))
	}
	if diff := cmp.Diff([][]float64{b.Camera}, cam[0]); diff != "" {
		t.Errorf("camera buffer (-want +got):\n%s", diff)
	}
}

func TestSweepRepeats(t *testing.T) {
	rig, o := newOrchestrator()
	b := testBundles(t)
	for i := 0; i < 3; i++ {
		if err := o.Sweep(context.Background(), b); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if got := rig.Camera.Generations(); got != 3 {
		t.Errorf("camera generations: %d, want 3", got)
	}
	if got := rig.Master.Generations(); got != 3 {
		t.Errorf("master generations: %d, want 3", got)
	}
}

func TestSlaveArmedAfterFireMissesTheEdge(t *testing.T) {
	// the edge is only caught by devices already started when it arrives;
	// a late-armed slave records nothing and its wait times out
	rig := daq.NewSimRig(2)
	b := testBundles(t)

	camera := daq.NewTask("camera", rig.Camera)
	err := camera.Configure(daq.TaskConfig{
		Lines:         []string{rig.Lines().CameraTrigger},
		Mode:          daq.DigitalOut,
		SampleRate:    b.SampleRate,
		Samples:       b.SampleCount(),
		TriggerSource: rig.Lines().MasterTrigger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := camera.Write([][]float64{b.Camera}); err != nil {
		t.Fatal(err)
	}

	master := daq.NewTask("master", rig.Master)
	err = master.Configure(daq.TaskConfig{
		Lines:      []string{rig.Lines().MasterTrigger},
		Mode:       daq.DigitalOut,
		SampleRate: b.SampleRate,
		Samples:    5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := master.Write([][]float64{{0, 1, 1, 1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := master.Run(); err != nil {
		t.Fatal(err)
	}

	// too late: the edge already happened
	if err := camera.Arm(); err != nil {
		t.Fatal(err)
	}
	if got := rig.Camera.Generations(); got != 0 {
		t.Fatalf("late-armed camera generated %d buffers, want 0", got)
	}
	err = camera.Wait(10 * time.Millisecond)
	var te *daq.TimeoutError
	if !errors.As(err, &te) {
		t.Errorf("late-armed camera wait: got %v, want TimeoutError", err)
	}
	if !errors.Is(err, daq.ErrNeverTriggered) {
		t.Errorf("late-armed camera wait: got %v, want ErrNeverTriggered cause", err)
	}
}

func TestFireRequiresTheArmedToken(t *testing.T) {
	_, o := newOrchestrator()
	b := testBundles(t)

	if err := o.Fire(nil); !errors.Is(err, daq.ErrNotArmed) {
		t.Errorf("fire before arm: got %v, want ErrNotArmed", err)
	}
	tok, err := o.Arm(b)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Fire(&daq.Token{}); !errors.Is(err, daq.ErrStaleToken) {
		t.Errorf("fire with stale token: got %v, want ErrStaleToken", err)
	}
	if err := o.Fire(tok); err != nil {
		t.Fatal(err)
	}
	if err := o.Wait(tok); err != nil {
		t.Fatal(err)
	}
	// the token is consumed by Wait
	if err := o.Wait(tok); !errors.Is(err, daq.ErrNotArmed) {
		t.Errorf("wait after consume: got %v, want ErrNotArmed", err)
	}
}

// rejectWrites wraps an adapter so its first n Writes fail, standing in for
// a driver refusing a buffer.
type rejectWrites struct {
	daq.Adapter
	n int
}

func (r *rejectWrites) Write(rows [][]float64) error {
	if r.n > 0 {
		r.n--
		return errors.New("buffer rejected")
	}
	return r.Adapter.Write(rows)
}

func TestArmFailureStopsArmedSlavesAndRearms(t *testing.T) {
	// the laser is set up after the camera and galvo/lens; when its write
	// fails the already-armed slaves must be stopped, not left waiting on
	// a trigger, and the next arm must succeed
	sim := daq.NewSimRig(2)
	rig := sim.Rig()
	rig.Laser = &rejectWrites{Adapter: rig.Laser, n: 1}
	o := daq.New(rig, sim.Lines())
	b := testBundles(t)

	if _, err := o.Arm(b); err == nil {
		t.Fatal("arm succeeded with a laser device rejecting writes")
	}
	if err := o.Sweep(context.Background(), b); err != nil {
		t.Fatalf("sweep after failed arm: %v", err)
	}
	if got := sim.Camera.Generations(); got != 1 {
		t.Errorf("camera generations after recovery: %d, want 1", got)
	}
}

func TestArmWhileArmedFails(t *testing.T) {
	_, o := newOrchestrator()
	b := testBundles(t)
	if _, err := o.Arm(b); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Arm(b); err == nil {
		t.Error("double arm succeeded")
	}
}

func TestArmRejectsRowCountMismatch(t *testing.T) {
	rig := daq.NewSimRig(1) // one laser channel
	o := daq.New(rig.Rig(), rig.Lines())
	b := testBundles(t) // two laser rows
	if _, err := o.Arm(b); err == nil {
		t.Error("arm accepted a bundle with more laser rows than channels")
	}
}

func TestTeardownClosesEverything(t *testing.T) {
	rig, o := newOrchestrator()
	b := testBundles(t)
	if err := o.Sweep(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := o.Teardown(); err != nil {
		t.Fatal(err)
	}
	// closed devices refuse to start again
	if err := rig.Camera.Start(); err == nil {
		t.Error("camera started after teardown")
	}
	if err := rig.Master.Start(); err == nil {
		t.Error("master started after teardown")
	}
	// teardown twice is harmless
	if err := o.Teardown(); err != nil {
		t.Errorf("second teardown: %v", err)
	}
}

func TestSweepHonorsContextCancellation(t *testing.T) {
	_, o := newOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Sweep(ctx, testBundles(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
