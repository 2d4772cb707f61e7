// sweepsrv exposes a simulated light-sheet acquisition rig over HTTP:
// sweep parameters, waveform previews, run control and lens calibration.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/oplab/lightsweep/daq"
	"github.com/oplab/lightsweep/generichttp/acq"
	"github.com/oplab/lightsweep/server/middleware/locker"
	"github.com/oplab/lightsweep/sweep"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "sweepsrv.yml"
	k              = koanf.New(".")
)

// LaserSetup is one laser output channel in the config file.
type LaserSetup struct {
	Name         string  `koanf:"name"`
	DelayPercent float64 `koanf:"delaypercent"`
	PulsePercent float64 `koanf:"pulsepercent"`
	MaxVoltage   float64 `koanf:"maxvoltage"`
}

// Config holds the server setup and the sweep defaults; everything here can
// be changed at runtime through the HTTP interface.
type Config struct {
	Addr string `koanf:"addr"`
	Stem string `koanf:"stem"`

	SampleRate float64 `koanf:"samplerate"`
	SweepTime  float64 `koanf:"sweeptime"`

	Calibration string  `koanf:"calibration"`
	Zoom        string  `koanf:"zoom"`
	Laser       string  `koanf:"laser"`
	Intensity   float64 `koanf:"intensity"`

	Lasers []LaserSetup `koanf:"lasers"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:       ":8000",
		Stem:       "/acq",
		SampleRate: 100000,
		SweepTime:  0.2,
		Zoom:       "1x",
		Laser:      "488",
		Intensity:  100,
		Lasers: []LaserSetup{
			{Name: "488", DelayPercent: 10, PulsePercent: 87.5, MaxVoltage: 5},
			{Name: "561", DelayPercent: 10, PulsePercent: 87.5, MaxVoltage: 5},
		},
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `sweepsrv synthesizes synchronized light-sheet sweep waveforms and runs
them on a simulated rig, exposing everything over HTTP so clients in any
language can drive acquisitions.

Usage:
	sweepsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `sweepsrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

Without a configuration the server runs with two laser lines (488, 561) and
sensible sweep defaults; every parameter can be changed over HTTP afterwards.

The calibration field points at a ;-delimited CSV of lens offsets and
amplitudes per (wavelength, zoom) pair.  A missing file or row is advisory:
the server logs it and keeps the current lens values.

Endpoints (under the configured stem, default /acq):
	GET  /params            staged sweep parameters
	POST /param             {"key": ..., "value": ...}
	GET  /waveforms/csv     preview of the synthesized waveforms
	POST /run               {"sweeps": n, "perSecond": f}
	POST /stop
	GET  /status
	POST /calibration/load
	POST /calibration/save`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("sweepsrv version %v\n", Version)
}

// params builds the initial sweep parameters from the config, with lens and
// galvo timing defaults tuned for a 0.2 s sweep.
func params(c Config) sweep.Params {
	p := sweep.Params{
		Clock: sweep.Config{SampleRate: c.SampleRate, SweepTime: c.SweepTime},
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
		ActiveLaser:     c.Laser,
		LaserIntensity:  c.Intensity,
		Camera:          sweep.PulseTiming{DelayPct: 10, PulsePct: 1, Amplitude: 5},
		Zoom:            c.Zoom,
		CalibrationFile: c.Calibration,
	}
	for _, l := range c.Lasers {
		p.LaserLines = append(p.LaserLines, sweep.LaserLine{
			Name:       l.Name,
			DelayPct:   l.DelayPercent,
			PulsePct:   l.PulsePercent,
			MaxVoltage: l.MaxVoltage,
		})
	}
	return p
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	store := sweep.NewStore(params(c))
	if c.Calibration != "" {
		if err := store.LoadCalibration(); err != nil {
			log.Println("calibration not loaded:", err)
		}
	}
	rig := daq.NewSimRig(len(c.Lasers))
	engine := daq.NewEngine(store, daq.New(rig.Rig(), rig.Lines()))

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	httpA := acq.NewHTTPAcq(engine)
	lock := locker.New()
	locker.Inject(httpA, lock)
	sub := chi.NewRouter()
	sub.Use(lock.Check)
	httpA.RouteTable.Bind(sub)
	stem := "/" + strings.Trim(c.Stem, "/")
	router.Mount(stem+"/", sub)
	log.Println("acquisition engine available via HTTP at", stem)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		if err := engine.Close(); err != nil {
			log.Println("teardown:", err)
		}
		os.Exit(0)
	}()
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, router))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
