package gating

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"strconv"
	"time"

	"goji.io/pat"

	"github.com/beamtime/gatelab/server"
)

// defaultSampleInterval is used when a run request omits the interval
const defaultSampleInterval = 5 * time.Millisecond

// runPayload is the JSON shape of a run request; times are in seconds,
// levels in volts, matching the lab convention
type runPayload struct {
	SwitchOnTime    float64 `json:"switchOnTime"`
	SwitchOnLevel   float64 `json:"switchOnLevel"`
	PostOffDuration float64 `json:"postOffDuration"`
	SwitchOffLevel  float64 `json:"switchOffLevel"`
	SampleInterval  float64 `json:"sampleInterval"`
}

func (rp runPayload) toParams() Params {
	p := Params{
		SwitchOnTime:    seconds(rp.SwitchOnTime),
		SwitchOnLevel:   rp.SwitchOnLevel,
		PostOffDuration: seconds(rp.PostOffDuration),
		SwitchOffLevel:  rp.SwitchOffLevel,
		SampleInterval:  seconds(rp.SampleInterval),
	}
	if rp.SampleInterval == 0 {
		p.SampleInterval = defaultSampleInterval
	}
	return p
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// HTTPRecorder provides HTTP bindings on top of a Recorder
type HTTPRecorder struct {
	r *Recorder

	// RouteTable maps goji patterns to http handlers
	RouteTable server.RouteTable
}

// NewHTTPRecorder returns a new HTTP wrapper with the route table pre-configured
func NewHTTPRecorder(r *Recorder) HTTPRecorder {
	w := HTTPRecorder{r: r}
	rt := server.RouteTable{
		pat.Post("/run"):     w.Run,
		pat.Post("/stop"):    w.Stop,
		pat.Get("/state"):    w.State,
		pat.Get("/data"):     w.Data,
		pat.Get("/data.csv"): w.DataCSV,
	}
	w.RouteTable = rt
	return w
}

// RT makes HTTPRecorder conform to server.HTTPer
func (h HTTPRecorder) RT() server.RouteTable {
	return h.RouteTable
}

// Run begins an acquisition run in the background.  The request is
// rejected with 409 if a run is active and 400 if the parameters are
// invalid; in both cases no command reaches the instrument.
func (h HTTPRecorder) Run(w http.ResponseWriter, r *http.Request) {
	rp := runPayload{}
	err := json.NewDecoder(r.Body).Decode(&rp)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.r.Start(rp.toParams())
	if err != nil {
		var ce ConfigurationError
		if errors.As(err, &ce) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Stop raises the stop trigger for the active run
func (h HTTPRecorder) Stop(w http.ResponseWriter, r *http.Request) {
	h.r.Stop()
	w.WriteHeader(http.StatusOK)
}

// State reports the phase of the acquisition loop
func (h HTTPRecorder) State(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.r.State().String()}
	hp.EncodeAndRespond(w, r)
}

// dataPayload is the JSON shape of a finalized run
type dataPayload struct {
	Columns []string     `json:"columns"`
	Data    [][3]float64 `json:"data"`
}

var dataColumns = []string{"timestamp", "current", "voltage"}

func (h HTTPRecorder) finalized(w http.ResponseWriter) ([][3]float64, bool) {
	run, err := h.r.Last()
	if err != nil {
		if errors.Is(err, ErrNoRun) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}
	data, err := run.Finalize()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return data, true
}

// Data returns the last finalized run as JSON
func (h HTTPRecorder) Data(w http.ResponseWriter, r *http.Request) {
	data, ok := h.finalized(w)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(dataPayload{Columns: dataColumns, Data: data})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// DataCSV returns the last finalized run as CSV
func (h HTTPRecorder) DataCSV(w http.ResponseWriter, r *http.Request) {
	data, ok := h.finalized(w)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	cw.Write(dataColumns)
	row := make([]string, 3)
	for _, rec := range data {
		for i, f := range rec {
			row[i] = strconv.FormatFloat(f, 'G', -1, 64)
		}
		cw.Write(row)
	}
	cw.Flush()
}
