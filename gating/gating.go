/*Package gating implements timed switch-on/switch-off control of a voltage
source with continuous current and voltage sampling.

The heart of the package is Record, which drives one acquisition run:
sample from run start, raise the source level once the switch-on time is
reached, keep sampling until stopped, drive the source to the off level,
and keep sampling for a trailing observation window.  The caller owns the
duration of the "on" window by setting the Trigger; there is no time-based
exit from the sampling phase.

Recorder wraps Record with a one-run-at-a-time control surface suitable
for serving over HTTP.
*/
package gating

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beamtime/gatelab/scpi"
)

// ErrNoRun is returned by Recorder.Last before any run has finished
var ErrNoRun = errors.New("gating: no completed run")

// ConfigurationError describes invalid run parameters.  It is returned
// before any command is issued to the instrument.
type ConfigurationError string

func (e ConfigurationError) Error() string {
	return "gating: " + string(e)
}

// Source is a voltage source / meter driven by the acquisition loop.
// An agilent.SMU satisfies it.
type Source interface {
	// SetVoltage sets the source level in volts
	SetVoltage(float64) error

	// MeasureCurrent returns a raw current reading
	MeasureCurrent() (string, error)

	// MeasureVoltage returns a raw voltage reading
	MeasureVoltage() (string, error)
}

// Annunciator is an optional interface for sources that can give audible
// feedback at the switch events
type Annunciator interface {
	BeepUp() error
	BeepDown() error
}

// Trigger is the stop signal for a run.  It is written by exactly one
// external controller and read once per sampling iteration by the loop;
// staleness of at most one sampling interval is accepted.
type Trigger struct {
	flag int32
}

// Set raises the trigger, ending the sampling phase of the active run
func (t *Trigger) Set() {
	atomic.StoreInt32(&t.flag, 1)
}

// Stopped returns true if the trigger has been raised
func (t *Trigger) Stopped() bool {
	return atomic.LoadInt32(&t.flag) == 1
}

// Reset re-arms the trigger for another run
func (t *Trigger) Reset() {
	atomic.StoreInt32(&t.flag, 0)
}

// State is the phase of the acquisition loop
type State int32

// the states advance strictly in this order within a run
const (
	// Idle means no run is active
	Idle State = iota

	// AwaitingSwitch means the run has begun and the switch-on time
	// has not yet been reached
	AwaitingSwitch

	// SamplingPostSwitch means the source has been raised and sampling
	// continues until the trigger is set
	SamplingPostSwitch

	// ObservingPostOff means the source has been driven to the off
	// level and the trailing observation window is running
	ObservingPostOff

	// Stopped means the run has finalized
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSwitch:
		return "awaiting-switch"
	case SamplingPostSwitch:
		return "sampling-post-switch"
	case ObservingPostOff:
		return "observing-post-off"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Params are the scalar inputs to one acquisition run
type Params struct {
	// SwitchOnTime is the elapsed time after run start at which the
	// source is raised to SwitchOnLevel
	SwitchOnTime time.Duration

	// SwitchOnLevel is the source level in volts applied at switch-on
	SwitchOnLevel float64

	// PostOffDuration is how long sampling continues after switch-off
	PostOffDuration time.Duration

	// SwitchOffLevel is the source level in volts applied at
	// switch-off, usually zero
	SwitchOffLevel float64

	// SampleInterval is the nominal pause between samples.  Recorded
	// timestamps are the authoritative time axis, not this value.
	SampleInterval time.Duration
}

// Validate returns a ConfigurationError if the parameters cannot produce
// a well-formed run
func (p Params) Validate() error {
	if p.SwitchOnTime < 0 {
		return ConfigurationError("switch-on time must be non-negative")
	}
	if p.PostOffDuration < 0 {
		return ConfigurationError("post-off duration must be non-negative")
	}
	if p.SampleInterval <= 0 {
		return ConfigurationError("sample interval must be positive")
	}
	return nil
}

// Sample is one (timestamp, current, voltage) observation.  The readings
// are raw instrument payloads; parsing happens at finalization.
type Sample struct {
	// T is the wall clock time the sample was initiated
	T time.Time

	// Current is the raw current reading
	Current string

	// Voltage is the raw voltage reading
	Voltage string
}

// Run is the complete record produced by one acquisition.  Samples grows
// monotonically by append while the loop executes and is not mutated
// after the loop returns.
type Run struct {
	// Params are the inputs that produced this run
	Params Params

	// Start is the wall clock time at run start
	Start time.Time

	// Samples are the observations, in acquisition order
	Samples []Sample
}

// sample takes one observation.  The timestamp is taken before the
// measurement exchanges so it marks the start of the observation.
func (r *Run) sample(dev Source) error {
	t := time.Now()
	cur, err := dev.MeasureCurrent()
	if err != nil {
		return err
	}
	vol, err := dev.MeasureVoltage()
	if err != nil {
		return err
	}
	r.Samples = append(r.Samples, Sample{T: t, Current: cur, Voltage: vol})
	return nil
}

// Finalize converts the run to a fixed rows x 3 array of (unix timestamp
// in seconds, current, voltage).  A reading that does not begin with a
// parseable float is a ProtocolError.
func (r Run) Finalize() ([][3]float64, error) {
	out := make([][3]float64, len(r.Samples))
	for i, s := range r.Samples {
		c, err := parseReading(s.Current)
		if err != nil {
			return nil, err
		}
		v, err := parseReading(s.Voltage)
		if err != nil {
			return nil, err
		}
		out[i] = [3]float64{float64(s.T.UnixNano()) / 1e9, c, v}
	}
	return out, nil
}

// parseReading extracts the leading float from a raw instrument payload.
// The B2902A may return comma-joined metadata after the reading.
func parseReading(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if idx := strings.IndexByte(s, ','); idx != -1 {
		s = s[:idx]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &scpi.ProtocolError{Response: raw, Reason: "reading is not a floating point value"}
	}
	return f, nil
}

// Record performs one acquisition run against dev.  It blocks until the
// run completes and returns the accumulated record.  Errors from the
// device abort the run immediately; the partial record accumulated so
// far is returned alongside the error.
//
// The trigger is the only way out of the sampling phase.  A trigger set
// before the switch-on time still causes the switch-off command to be
// issued, and the trailing observation window always runs to completion
// once entered, without re-checking the trigger.
func Record(dev Source, p Params, stop *Trigger) (Run, error) {
	return record(dev, p, stop, nil)
}

func record(dev Source, p Params, stop *Trigger, st *int32) (Run, error) {
	setState := func(s State) {
		if st != nil {
			atomic.StoreInt32(st, int32(s))
		}
	}
	if err := p.Validate(); err != nil {
		return Run{}, err
	}
	run := Run{Params: p, Start: time.Now()}
	setState(AwaitingSwitch)
	switched := false
	for {
		if !switched && time.Since(run.Start) >= p.SwitchOnTime {
			if err := dev.SetVoltage(p.SwitchOnLevel); err != nil {
				return run, err
			}
			chirpUp(dev)
			switched = true
			setState(SamplingPostSwitch)
		}
		// one sample per iteration, in every phase; this also
		// guarantees the run holds at least the sample at run start
		if err := run.sample(dev); err != nil {
			return run, err
		}
		if stop.Stopped() {
			break
		}
		time.Sleep(p.SampleInterval)
	}
	// switch-off is unconditional: a run stopped before the switch-on
	// threshold still drives the output to the off level
	if err := dev.SetVoltage(p.SwitchOffLevel); err != nil {
		return run, err
	}
	chirpDown(dev)
	setState(ObservingPostOff)
	tOff := time.Now()
	for time.Since(tOff) < p.PostOffDuration {
		if err := run.sample(dev); err != nil {
			return run, err
		}
		time.Sleep(p.SampleInterval)
	}
	setState(Stopped)
	return run, nil
}

// chirp errors are ignored; the beeper is feedback, not control
func chirpUp(dev Source) {
	if a, ok := dev.(Annunciator); ok {
		a.BeepUp()
	}
}

func chirpDown(dev Source) {
	if a, ok := dev.(Annunciator); ok {
		a.BeepDown()
	}
}

// Recorder serializes acquisition runs against a single source.  The
// connection to the source is owned exclusively by the active run; Start
// refuses to overlap runs.
type Recorder struct {
	// Source is the device driven by runs
	Source Source

	state int32
	stop  Trigger

	mu      sync.Mutex
	busy    bool
	last    Run
	lastErr error
	hasRun  bool
}

// NewRecorder creates a Recorder around a source
func NewRecorder(src Source) *Recorder {
	return &Recorder{Source: src}
}

// State returns the phase of the active run, or Idle / Stopped between runs
func (r *Recorder) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// Start begins a run in the background.  It validates the parameters
// synchronously and returns a ConfigurationError before any command is
// issued if they are invalid, or an error if a run is already active.
func (r *Recorder) Start(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return fmt.Errorf("gating: a run is already active")
	}
	r.busy = true
	r.stop.Reset()
	go func() {
		run, err := record(r.Source, p, &r.stop, &r.state)
		if err != nil {
			atomic.StoreInt32(&r.state, int32(Idle))
		}
		r.mu.Lock()
		r.last = run
		r.lastErr = err
		r.hasRun = true
		r.busy = false
		r.mu.Unlock()
	}()
	return nil
}

// Record performs a run synchronously, with the same overlap protection
// as Start
func (r *Recorder) Record(p Params) (Run, error) {
	if err := p.Validate(); err != nil {
		return Run{}, err
	}
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return Run{}, fmt.Errorf("gating: a run is already active")
	}
	r.busy = true
	r.stop.Reset()
	r.mu.Unlock()
	run, err := record(r.Source, p, &r.stop, &r.state)
	if err != nil {
		atomic.StoreInt32(&r.state, int32(Idle))
	}
	r.mu.Lock()
	r.last = run
	r.lastErr = err
	r.hasRun = true
	r.busy = false
	r.mu.Unlock()
	return run, err
}

// Stop raises the trigger for the active run.  Stopping an idle recorder
// is harmless.
func (r *Recorder) Stop() {
	r.stop.Set()
}

// Busy returns true while a run is active
func (r *Recorder) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Last returns the most recent finished run.  ErrNoRun is returned if no
// run has finished yet; otherwise the error is the run's terminal error,
// nil for a clean finish.
func (r *Recorder) Last() (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRun {
		return Run{}, ErrNoRun
	}
	return r.last, r.lastErr
}
