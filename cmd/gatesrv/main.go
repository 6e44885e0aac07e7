package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"

	"goji.io"
	"goji.io/pat"

	yml "gopkg.in/yaml.v2"

	"github.com/beamtime/gatelab/agilent"
	"github.com/beamtime/gatelab/gating"
	"github.com/beamtime/gatelab/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "gatesrv.yml"
	k              = koanf.New(".")
)

// SMUSetup holds the connection and measurement configuration for the SMU
type SMUSetup struct {
	// Addr holds the network or filesystem address of the instrument,
	// e.g. 10.138.50.191:5025 for LAN or /dev/ttyS4 for RS232
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Endpoint is the URL stem the recorder routes are served under
	Endpoint string `yaml:"Endpoint"`

	// Channel is the SMU channel used, 1 or 2
	Channel int `yaml:"Channel"`

	// Setup is the source/sense configuration applied at startup
	Setup agilent.Setup `yaml:"Setup"`
}

// Config is a struct that holds the initialization parameters for the
// server.  It is to be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// SMU is the instrument to drive
	SMU SMUSetup `yaml:"SMU"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr: ":8000",
		SMU: SMUSetup{
			Addr:     "10.138.50.191:5025",
			Endpoint: "/smu",
			Channel:  1,
			Setup:    agilent.DefaultSetup()}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `gatesrv drives a B2902A SMU for gated switching measurements and
exposes an HTTP interface to it.  Start a timed run, stop it when the "on"
window is over, and download the timestamped current/voltage record.

Usage:
	gatesrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `gatesrv is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

The SMU block selects the instrument (LAN address or serial device) and
the source/sense setup applied at startup: initial voltage, integration
aperture, compliance limits, and current range (zero selects autorange).

Routes, under the configured endpoint:
	POST /run      start a timed acquisition (JSON body, seconds/volts)
	POST /stop     end the sampling phase; the post-off window still runs
	GET  /state    phase of the acquisition loop
	GET  /data     last finalized run as JSON
	GET  /data.csv last finalized run as CSV
	POST /raw      raw SCPI passthrough`
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
	fmt.Printf("gatesrv version %v\n", Version)
}

// sanitizeEndpoint turns "smu" or "/smu" into "/smu/*" for goji submuxing
func sanitizeEndpoint(ep string) string {
	if !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	ep = strings.TrimSuffix(ep, "/")
	if !strings.HasSuffix(ep, "/*") {
		ep = ep + "/*"
	}
	return ep
}

func bringup(smu *agilent.SMU, setup agilent.Setup) error {
	err := smu.Open()
	if err != nil {
		return err
	}
	err = smu.Configure(setup)
	if err != nil {
		return err
	}
	return smu.BeepUp()
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	smu := agilent.NewSMU(c.SMU.Addr, c.SMU.Serial)
	if c.SMU.Channel != 0 {
		smu.Channel = c.SMU.Channel
	}
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " bringing up B2902A at " + c.SMU.Addr,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"}})
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	if err := bringup(smu, c.SMU.Setup); err != nil {
		spin.StopFail()
		log.Fatal(err)
	}
	spin.Stop()

	rec := gating.NewRecorder(smu)
	wrap := gating.NewHTTPRecorder(rec)
	server.InjectRawComm(wrap, smu)

	mux := goji.NewMux()
	sub := goji.SubMux()
	wrap.RT().Bind(sub)
	mux.Handle(pat.New(sanitizeEndpoint(c.SMU.Endpoint)), sub)
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, middleware.Logger(mux)))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = strings.ToLower(args[1])
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
