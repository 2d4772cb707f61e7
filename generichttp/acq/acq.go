// Package acq exposes a sweep acquisition engine over HTTP: parameter
// reads and writes, waveform preview, run control, and calibration
// persistence.
package acq

import (
	"encoding/csv"
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/oplab/lightsweep/daq"
	"github.com/oplab/lightsweep/generichttp"
	"github.com/oplab/lightsweep/sweep"
)

// Runner is the engine-shaped dependency of this package; *daq.Engine
// satisfies it.
type Runner interface {
	// Start launches a run of n sweeps paced at perSecond starts per
	// second (0 for unpaced), returning immediately.
	Start(n int, perSecond float64) error

	// Stop cancels the in-flight run and blocks until it unwinds.
	Stop()

	// Status snapshots the current or last run.
	Status() daq.Status

	// Preview synthesizes waveforms from the staged parameters without
	// running.
	Preview() (sweep.Bundles, error)

	// Store is the parameter store the run reads from.
	Store() *sweep.Store
}

// HTTPAcq wraps a Runner in a route table.
type HTTPAcq struct {
	r Runner

	RouteTable generichttp.RouteTable
}

// NewHTTPAcq builds the HTTP wrapper around r.
func NewHTTPAcq(r Runner) HTTPAcq {
	h := HTTPAcq{r: r}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/params"}:  GetParams(r),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/param"}: SetParam(r),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/samplerate"}:  GetFloatParam(r, sweep.KeySampleRate),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/samplerate"}: SetFloatParam(r, sweep.KeySampleRate),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/sweeptime"}:   GetFloatParam(r, sweep.KeySweepTime),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/sweeptime"}:  SetFloatParam(r, sweep.KeySweepTime),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/laser"}:       GetStringParam(r, sweep.KeyLaser),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/laser"}:      SetStringParam(r, sweep.KeyLaser),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/samplecount"}: SampleCount(r),

		generichttp.MethodPath{Method: http.MethodGet, Path: "/waveforms/csv"}: WaveformCSV(r),

		generichttp.MethodPath{Method: http.MethodPost, Path: "/run"}:   Run(r),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:  Stop(r),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}: GetStatus(r),

		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration/load"}: LoadCalibration(r),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration/save"}: SaveCalibration(r),
	}
	h.RouteTable = rt
	return h
}

// RT makes HTTPAcq a generichttp.HTTPer.
func (h HTTPAcq) RT() generichttp.RouteTable { return h.RouteTable }

// GetParams returns the staged sweep parameters as json.
func GetParams(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Store().Staged()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

type paramWrite struct {
	Key string `json:"key"`

	Value json.RawMessage `json:"value"`
}

// SetParam stages one parameter write from a json body of
// {"key": ..., "value": ...}; the value may be a number or a string.
func SetParam(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var input paramWrite
		err := json.NewDecoder(req.Body).Decode(&input)
		defer req.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var value interface{}
		if err := json.Unmarshal(input.Value, &value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.Store().Set(input.Key, value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloatParam reads one float parameter from the store as {"f64": value}.
func GetFloatParam(r Runner, key string) http.HandlerFunc {
	return generichttp.GetFloat(func() (float64, error) {
		v, err := r.Store().Get(key)
		if err != nil {
			return 0, err
		}
		return v.(float64), nil
	})
}

// SetFloatParam stages one float parameter write from {"f64": value}.
func SetFloatParam(r Runner, key string) http.HandlerFunc {
	return generichttp.SetFloat(func(v float64) error {
		return r.Store().Set(key, v)
	})
}

// GetStringParam reads one string parameter from the store as
// {"str": value}.
func GetStringParam(r Runner, key string) http.HandlerFunc {
	return generichttp.GetString(func() (string, error) {
		v, err := r.Store().Get(key)
		if err != nil {
			return "", err
		}
		return v.(string), nil
	})
}

// SetStringParam stages one string parameter write from {"str": value}.
func SetStringParam(r Runner, key string) http.HandlerFunc {
	return generichttp.SetString(func(v string) error {
		return r.Store().Set(key, v)
	})
}

// SampleCount reports the samples per sweep the staged clock implies, as
// {"int": value}.
func SampleCount(r Runner) http.HandlerFunc {
	return generichttp.GetInt(func() (int, error) {
		return r.Store().Staged().Clock.SampleCount(), nil
	})
}

// WaveformCSV previews the waveforms the staged parameters synthesize, one
// column per channel with a header naming them.
func WaveformCSV(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		b, err := r.Preview()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		header := []string{"galvo_l", "galvo_r", "lens_l", "lens_r"}
		cols := append([][]float64{}, b.GalvoLens...)
		lines := r.Store().Staged().LaserLines
		for i, row := range b.Laser {
			name := strconv.Itoa(i)
			if i < len(lines) {
				name = lines[i].Name
			}
			header = append(header, "laser_"+name)
			cols = append(cols, row)
		}
		header = append(header, "camera")
		cols = append(cols, b.Camera)

		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		record := make([]string, len(cols))
		for i := 0; i < b.SampleCount(); i++ {
			for j, col := range cols {
				record[j] = strconv.FormatFloat(col[i], 'G', -1, 64)
			}
			if err := cw.Write(record); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		cw.Flush()
	}
}

type runRequest struct {
	Sweeps int `json:"sweeps"`

	PerSecond float64 `json:"perSecond"`
}

// Run starts an acquisition of {"sweeps": n, "perSecond": f} and returns
// immediately.
func Run(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var input runRequest
		err := json.NewDecoder(req.Body).Decode(&input)
		defer req.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := r.Start(input.Sweeps, input.PerSecond); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Stop cancels the in-flight run, if any.
func Stop(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.Stop()
		w.WriteHeader(http.StatusOK)
	}
}

// GetStatus returns the run status as json.
func GetStatus(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// LoadCalibration re-reads the calibration table and refreshes the staged
// lens parameters, returning the file path it read.
func LoadCalibration(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.Store().LoadCalibration(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{
			T:      types.String,
			String: r.Store().Staged().CalibrationFile,
		}
		hp.EncodeAndRespond(w, req)
	}
}

// SaveCalibration writes the staged lens values back to the calibration
// table.
func SaveCalibration(r Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.Store().SaveCalibration(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
