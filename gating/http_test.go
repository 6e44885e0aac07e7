package gating_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"goji.io"

	"github.com/beamtime/gatelab/gating"
)

func recorderServer(t *testing.T) (*fakeSource, *httptest.Server) {
	t.Helper()
	f := newFakeSource()
	rec := gating.NewRecorder(f)
	wrap := gating.NewHTTPRecorder(rec)
	mux := goji.NewMux()
	wrap.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatal("could not encode request:", err)
	}
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		t.Fatal("request errored:", err)
	}
	return resp
}

func TestHTTPRunStopData(t *testing.T) {
	_, srv := recorderServer(t)
	resp := postJSON(t, srv.URL+"/run", map[string]float64{
		"switchOnTime":    0.005,
		"switchOnLevel":   5,
		"postOffDuration": 0.01,
		"sampleInterval":  0.002,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run request returned %d", resp.StatusCode)
	}
	time.Sleep(20 * time.Millisecond)
	resp = postJSON(t, srv.URL+"/stop", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop request returned %d", resp.StatusCode)
	}
	// allow the post-off window to drain
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/data")
		if err != nil {
			t.Fatal("data request errored:", err)
		}
		if r.StatusCode == http.StatusOK {
			payload := struct {
				Columns []string     `json:"columns"`
				Data    [][3]float64 `json:"data"`
			}{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatal("could not decode data payload:", err)
			}
			r.Body.Close()
			if len(payload.Columns) != 3 || payload.Columns[0] != "timestamp" {
				t.Errorf("unexpected columns %v", payload.Columns)
			}
			if len(payload.Data) == 0 {
				t.Error("finished run returned no rows")
			}
			return
		}
		r.Body.Close()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("data never became available")
}

func TestHTTPDataBeforeAnyRunIs404(t *testing.T) {
	_, srv := recorderServer(t)
	resp, err := http.Get(srv.URL + "/data")
	if err != nil {
		t.Fatal("request errored:", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", resp.StatusCode)
	}
}

func TestHTTPBadParamsRejected(t *testing.T) {
	f, srv := recorderServer(t)
	resp := postJSON(t, srv.URL+"/run", map[string]float64{
		"sampleInterval": -0.005,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for a negative interval, got %d", resp.StatusCode)
	}
	if f.measured != 0 {
		t.Error("commands reached the instrument despite rejection")
	}
}

func TestHTTPOverlappingRunIs409(t *testing.T) {
	_, srv := recorderServer(t)
	params := map[string]float64{
		"switchOnTime":   0.001,
		"sampleInterval": 0.002,
	}
	resp := postJSON(t, srv.URL+"/run", params)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first run returned %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/run", params)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while a run is active, got %d", resp.StatusCode)
	}
	postJSON(t, srv.URL+"/stop", struct{}{}).Body.Close()
}

func TestHTTPState(t *testing.T) {
	_, srv := recorderServer(t)
	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal("request errored:", err)
	}
	defer resp.Body.Close()
	payload := struct {
		Str string `json:"str"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal("could not decode state payload:", err)
	}
	if payload.Str != "idle" {
		t.Errorf("expected idle before any run, got %q", payload.Str)
	}
}
