package sweep_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oplab/lightsweep/calib"
	"github.com/oplab/lightsweep/sweep"
)

func TestStoreSetStagesUntilCommit(t *testing.T) {
	s := sweep.NewStore(testParams())
	if err := s.Set(sweep.KeyIntensity, 80.0); err != nil {
		t.Fatal(err)
	}
	committed, v0 := s.Committed()
	if committed.LaserIntensity != 50 {
		t.Errorf("committed intensity before commit = %v, want 50",
			committed.LaserIntensity)
	}
	if s.Staged().LaserIntensity != 80 {
		t.Errorf("staged intensity = %v, want 80", s.Staged().LaserIntensity)
	}
	committed, v1 := s.Commit()
	if committed.LaserIntensity != 80 {
		t.Errorf("committed intensity after commit = %v, want 80",
			committed.LaserIntensity)
	}
	if v1 != v0+1 {
		t.Errorf("version after commit = %d, want %d", v1, v0+1)
	}
	// a commit with nothing staged does not bump the version
	if _, v2 := s.Commit(); v2 != v1 {
		t.Errorf("no-op commit bumped version to %d from %d", v2, v1)
	}
}

func TestStoreSetKeys(t *testing.T) {
	s := sweep.NewStore(testParams())
	writes := map[string]interface{}{
		"samplerate":                  50000.0,
		"sweeptime":                   0.25,
		"lens_l_delay_percent":        5.0,
		"lens_l_ramp_rising_percent":  80.0,
		"lens_l_ramp_falling_percent": 5.0,
		"lens_r_amplitude":            0.9,
		"lens_r_offset":               2.1,
		"galvo_l_frequency":           200.0,
		"galvo_r_duty_cycle":          0.9,
		"galvo_r_phase":               1.5707,
		"laser_488_pulse_percent":     70.0,
		"laser_561_max_voltage":       4.5,
		"camera_pulse_percent":        2.0,
		"laser":                       "561",
		"zoom":                        "2x",
	}
	for k, v := range writes {
		if err := s.Set(k, v); err != nil {
			t.Fatalf("Set(%q): %v", k, err)
		}
	}
	p, _ := s.Commit()
	if p.Clock.SampleRate != 50000 || p.Clock.SweepTime != 0.25 {
		t.Errorf("clock = %+v", p.Clock)
	}
	if p.LensLeft.DelayPct != 5 || p.LensLeft.RisePct != 80 || p.LensLeft.FallPct != 5 {
		t.Errorf("lens left = %+v", p.LensLeft)
	}
	if p.LensRight.Amplitude != 0.9 || p.LensRight.Offset != 2.1 {
		t.Errorf("lens right = %+v", p.LensRight)
	}
	if p.GalvoLeft.Frequency != 200 {
		t.Errorf("galvo left frequency = %v", p.GalvoLeft.Frequency)
	}
	if p.GalvoRight.DutyCycle != 0.9 || p.GalvoRight.Phase != 1.5707 {
		t.Errorf("galvo right = %+v", p.GalvoRight)
	}
	if p.LaserLines[0].PulsePct != 70 {
		t.Errorf("laser 488 pulse pct = %v", p.LaserLines[0].PulsePct)
	}
	if p.LaserLines[1].MaxVoltage != 4.5 {
		t.Errorf("laser 561 max voltage = %v", p.LaserLines[1].MaxVoltage)
	}
	if p.Camera.PulsePct != 2 {
		t.Errorf("camera pulse pct = %v", p.Camera.PulsePct)
	}
	if p.ActiveLaser != "561" || p.Zoom != "2x" {
		t.Errorf("laser/zoom = %q/%q", p.ActiveLaser, p.Zoom)
	}
}

func TestStoreGetReadsStagedValues(t *testing.T) {
	s := sweep.NewStore(testParams())
	if err := s.Set("galvo_l_amplitude", 7.0); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get("galvo_l_amplitude")
	if err != nil {
		t.Fatal(err)
	}
	if v != 7.0 {
		t.Errorf("Get = %v, want 7", v)
	}
	v, err = s.Get(sweep.KeyLaser)
	if err != nil {
		t.Fatal(err)
	}
	if v != "488" {
		t.Errorf("Get(laser) = %v, want 488", v)
	}
	if _, err := s.Get("warp_factor"); !errors.Is(err, sweep.ErrUnknownKey) {
		t.Errorf("unknown key: got %v, want ErrUnknownKey", err)
	}
}

func TestStoreOnChangeFiresPerSuccessfulSet(t *testing.T) {
	s := sweep.NewStore(testParams())
	var keys []string
	s.OnChange(func(key string) { keys = append(keys, key) })
	if err := s.Set(sweep.KeyIntensity, 10.0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("bogus", 1.0); err == nil {
		t.Fatal("bogus key accepted")
	}
	if err := s.Set(sweep.KeyZoom, "2x"); err != nil {
		t.Fatal(err)
	}
	want := []string{sweep.KeyIntensity, sweep.KeyZoom}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("callback keys = %v, want %v", keys, want)
	}
}

func TestStoreSetRejectsUnknownKeyAndBadType(t *testing.T) {
	s := sweep.NewStore(testParams())
	if err := s.Set("warp_factor", 9.0); !errors.Is(err, sweep.ErrUnknownKey) {
		t.Errorf("unknown key: got %v, want ErrUnknownKey", err)
	}
	if err := s.Set(sweep.KeyIntensity, "lots"); err == nil {
		t.Error("string value for numeric key accepted")
	}
	if err := s.Set(sweep.KeyLaser, 488); err == nil {
		t.Error("numeric value for string key accepted")
	}
}

func writeCalibFile(t *testing.T) string {
	t.Helper()
	tab := calib.New(
		calib.Entry{
			Objective: "10x", Wavelength: "488", Zoom: "1x",
			LensLeftOffset: 2.31, LensLeftAmp: 0.68,
			LensRightOffset: 2.42, LensRightAmp: 0.61,
		},
		calib.Entry{
			Objective: "10x", Wavelength: "561", Zoom: "1x",
			LensLeftOffset: 2.35, LensLeftAmp: 0.7,
			LensRightOffset: 2.44, LensRightAmp: 0.63,
		},
	)
	path := filepath.Join(t.TempDir(), "lens.csv")
	if err := tab.Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStorePseudoKeysResolveLensFromTable(t *testing.T) {
	path := writeCalibFile(t)
	p := testParams()
	p.CalibrationFile = path
	s := sweep.NewStore(p)

	if err := s.Set(sweep.KeySetLensFromLaser, "561"); err != nil {
		t.Fatal(err)
	}
	got := s.Staged()
	if got.ActiveLaser != "561" {
		t.Errorf("active laser = %q, want 561", got.ActiveLaser)
	}
	if got.LensLeft.Offset != 2.35 || got.LensLeft.Amplitude != 0.7 {
		t.Errorf("lens left = %+v, want offset 2.35 amp 0.7", got.LensLeft)
	}
	if got.LensRight.Offset != 2.44 || got.LensRight.Amplitude != 0.63 {
		t.Errorf("lens right = %+v, want offset 2.44 amp 0.63", got.LensRight)
	}
	// unrelated parameters stay put
	if got.GalvoLeft != p.GalvoLeft || got.Camera != p.Camera {
		t.Error("pseudo-key write touched unrelated parameters")
	}
}

func TestStoreCalibrationMissKeepsLensValues(t *testing.T) {
	path := writeCalibFile(t)
	p := testParams()
	p.CalibrationFile = path
	s := sweep.NewStore(p)

	if err := s.Set(sweep.KeySetLensFromZoom, "63x"); err != nil {
		t.Fatal(err)
	}
	got := s.Staged()
	if got.Zoom != "63x" {
		t.Errorf("zoom = %q, want 63x", got.Zoom)
	}
	if got.LensLeft != p.LensLeft || got.LensRight != p.LensRight {
		t.Error("calibration miss rewrote lens values")
	}
}

func TestStoreSaveCalibrationRoundTrip(t *testing.T) {
	path := writeCalibFile(t)
	p := testParams()
	p.CalibrationFile = path
	s := sweep.NewStore(p)

	if err := s.Set("lens_l_offset", 2.5); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("lens_r_amplitude", 0.55); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCalibration(); err != nil {
		t.Fatal(err)
	}
	tab, err := calib.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	ent, ok := tab.Lookup("488", "1x")
	if !ok {
		t.Fatal("row for 488/1x vanished")
	}
	if ent.LensLeftOffset != 2.5 || ent.LensRightAmp != 0.55 {
		t.Errorf("saved row = %+v", ent)
	}
	// the sibling row is untouched
	other, ok := tab.Lookup("561", "1x")
	if !ok {
		t.Fatal("row for 561/1x vanished")
	}
	if other.LensLeftOffset != 2.35 {
		t.Errorf("sibling row rewritten: %+v", other)
	}
}

func TestStoreLoadCalibrationMissingFile(t *testing.T) {
	p := testParams()
	p.CalibrationFile = filepath.Join(t.TempDir(), "nope.csv")
	s := sweep.NewStore(p)
	err := s.LoadCalibration()
	if err == nil {
		t.Fatal("missing file load succeeded")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want wrapped os.ErrNotExist", err)
	}
}
