package sweep

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/oplab/lightsweep/calib"
)

// ErrUnknownKey is returned by Store.Set for a key no parameter maps to.
var ErrUnknownKey = errors.New("sweep: unknown parameter key")

// Parameter keys accepted by Store.Set.  The names match the session state
// keys of the acquisition GUI so a state dump can be replayed verbatim.
const (
	KeySampleRate = "samplerate"
	KeySweepTime  = "sweeptime"
	KeyIntensity  = "intensity"
	KeyLaser      = "laser"
	KeyZoom       = "zoom"
	KeyCalibFile  = "calibration_file"

	// Pseudo-keys: setting one stores the value and then re-resolves the
	// lens offsets and amplitudes from the calibration table, leaving
	// every unrelated parameter untouched.
	KeySetLensFromZoom  = "set_lens_from_zoom"
	KeySetLensFromLaser = "set_lens_from_laser"
)

// Store owns the sweep configuration.  Writes stage into a pending copy;
// Commit publishes the staged copy atomically and bumps the version, so a
// sweep configured from the committed snapshot never observes a partial
// update.  All methods are safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	committed Params
	staged    Params
	version   uint64
	dirty     bool
	onChange  func(key string)
}

// NewStore returns a Store whose committed and staged state both equal p.
func NewStore(p Params) *Store {
	return &Store{committed: p.clone(), staged: p.clone()}
}

// Staged returns a copy of the pending configuration.
func (s *Store) Staged() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged.clone()
}

// Committed returns a copy of the last committed configuration and its
// version number.
func (s *Store) Committed() (Params, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.clone(), s.version
}

// Commit publishes the staged configuration.  The version increments only
// when something was actually staged since the last commit.
func (s *Store) Commit() (Params, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		s.committed = s.staged.clone()
		s.version++
		s.dirty = false
	}
	return s.committed.clone(), s.version
}

// OnChange registers fn to be called with the key of every successful Set.
// At most one callback is held; it runs outside the store's lock.
func (s *Store) OnChange(fn func(key string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Set stages a single parameter write.  Numeric keys accept float64 or int
// values; string keys accept string values.  The change is invisible to
// synthesis until Commit.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	err := s.set(key, value)
	var fn func(string)
	if err == nil {
		s.dirty = true
		fn = s.onChange
	}
	s.mu.Unlock()
	if fn != nil {
		fn(key)
	}
	return err
}

// Get returns the staged value of a single parameter key.
func (s *Store) Get(key string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := floatKeys(&s.staged)[key]; ok {
		return *f, nil
	}
	switch key {
	case KeyLaser:
		return s.staged.ActiveLaser, nil
	case KeyZoom:
		return s.staged.Zoom, nil
	case KeyCalibFile:
		return s.staged.CalibrationFile, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

func (s *Store) set(key string, value interface{}) error {
	if f, ok := floatKeys(&s.staged)[key]; ok {
		v, err := toFloat(key, value)
		if err != nil {
			return err
		}
		*f = v
		return nil
	}
	switch key {
	case KeyLaser:
		v, err := toString(key, value)
		if err != nil {
			return err
		}
		s.staged.ActiveLaser = v
	case KeyZoom:
		v, err := toString(key, value)
		if err != nil {
			return err
		}
		s.staged.Zoom = v
	case KeyCalibFile:
		v, err := toString(key, value)
		if err != nil {
			return err
		}
		s.staged.CalibrationFile = v
		s.resolveLens()
	case KeySetLensFromZoom:
		v, err := toString(key, value)
		if err != nil {
			return err
		}
		s.staged.Zoom = v
		s.resolveLens()
	case KeySetLensFromLaser:
		v, err := toString(key, value)
		if err != nil {
			return err
		}
		s.staged.ActiveLaser = v
		s.resolveLens()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// floatKeys maps every numeric parameter key to its field in p.  Laser line
// keys are generated per configured line, e.g. "laser_488_delay_percent".
func floatKeys(p *Params) map[string]*float64 {
	m := map[string]*float64{
		KeySampleRate: &p.Clock.SampleRate,
		KeySweepTime:  &p.Clock.SweepTime,
		KeyIntensity:  &p.LaserIntensity,

		"camera_delay_percent": &p.Camera.DelayPct,
		"camera_pulse_percent": &p.Camera.PulsePct,
		"camera_amplitude":     &p.Camera.Amplitude,
	}
	lens := func(prefix string, t *LensTiming) {
		m[prefix+"_delay_percent"] = &t.DelayPct
		m[prefix+"_ramp_rising_percent"] = &t.RisePct
		m[prefix+"_ramp_falling_percent"] = &t.FallPct
		m[prefix+"_amplitude"] = &t.Amplitude
		m[prefix+"_offset"] = &t.Offset
	}
	lens("lens_l", &p.LensLeft)
	lens("lens_r", &p.LensRight)
	galvo := func(prefix string, t *GalvoTiming) {
		m[prefix+"_frequency"] = &t.Frequency
		m[prefix+"_amplitude"] = &t.Amplitude
		m[prefix+"_offset"] = &t.Offset
		m[prefix+"_duty_cycle"] = &t.DutyCycle
		m[prefix+"_phase"] = &t.Phase
	}
	galvo("galvo_l", &p.GalvoLeft)
	galvo("galvo_r", &p.GalvoRight)
	for i := range p.LaserLines {
		l := &p.LaserLines[i]
		m["laser_"+l.Name+"_delay_percent"] = &l.DelayPct
		m["laser_"+l.Name+"_pulse_percent"] = &l.PulsePct
		m["laser_"+l.Name+"_max_voltage"] = &l.MaxVoltage
	}
	return m
}

// resolveLens refreshes the staged lens offsets and amplitudes from the
// calibration table for the staged laser and zoom.  A missing file or a
// missing row is advisory: the previous lens values stand and the miss is
// logged, never surfaced as an error.
func (s *Store) resolveLens() {
	if s.staged.CalibrationFile == "" {
		return
	}
	tab, err := calib.Load(s.staged.CalibrationFile)
	if err != nil {
		log.Printf("calibration file %s unreadable, keeping lens values: %v",
			s.staged.CalibrationFile, err)
		return
	}
	ent, ok := tab.Lookup(s.staged.ActiveLaser, s.staged.Zoom)
	if !ok {
		log.Printf("no calibration row for laser %q zoom %q, keeping lens values",
			s.staged.ActiveLaser, s.staged.Zoom)
		return
	}
	s.staged.LensLeft.Offset = ent.LensLeftOffset
	s.staged.LensLeft.Amplitude = ent.LensLeftAmp
	s.staged.LensRight.Offset = ent.LensRightOffset
	s.staged.LensRight.Amplitude = ent.LensRightAmp
}

// LoadCalibration forces a re-resolution of the staged lens parameters from
// the calibration table.  It reports only a missing or unreadable file; a
// missing row is advisory and logged, as during Set.
func (s *Store) LoadCalibration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged.CalibrationFile == "" {
		return errors.New("sweep: no calibration file configured")
	}
	if _, err := calib.Load(s.staged.CalibrationFile); err != nil {
		return err
	}
	s.resolveLens()
	s.dirty = true
	return nil
}

// SaveCalibration writes the staged lens offsets and amplitudes back to the
// calibration table row for the staged laser and zoom, replacing the file
// atomically.
func (s *Store) SaveCalibration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged.CalibrationFile == "" {
		return errors.New("sweep: no calibration file configured")
	}
	tab, err := calib.Load(s.staged.CalibrationFile)
	if err != nil {
		return err
	}
	ent, ok := tab.Lookup(s.staged.ActiveLaser, s.staged.Zoom)
	if !ok {
		return fmt.Errorf("sweep: no calibration row for laser %q zoom %q",
			s.staged.ActiveLaser, s.staged.Zoom)
	}
	ent.LensLeftOffset = s.staged.LensLeft.Offset
	ent.LensLeftAmp = s.staged.LensLeft.Amplitude
	ent.LensRightOffset = s.staged.LensRight.Offset
	ent.LensRightAmp = s.staged.LensRight.Amplitude
	tab.Replace(ent)
	return tab.Save(s.staged.CalibrationFile)
}

func toFloat(key string, v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	return 0, fmt.Errorf("sweep: key %q wants a number, got %T", key, v)
}

func toString(key string, v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("sweep: key %q wants a string, got %T", key, v)
}
