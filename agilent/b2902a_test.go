package agilent_test

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beamtime/gatelab/agilent"
)

// fakeSMU records every command line it receives and answers queries with
// canned payloads.
type fakeSMU struct {
	addr string

	mu   sync.Mutex
	cmds []string
}

func newFakeSMU(t *testing.T) *fakeSMU {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	f := &fakeSMU{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\n")
					f.mu.Lock()
					f.cmds = append(f.cmds, line)
					f.mu.Unlock()
					switch {
					case strings.HasPrefix(line, ":MEAS:CURR?"):
						conn.Write([]byte("+1.234560E-06\n"))
					case strings.HasPrefix(line, ":MEAS:VOLT?"):
						conn.Write([]byte("+4.998321E+00\n"))
					case line == "*IDN?":
						conn.Write([]byte("Agilent Technologies,B2902A,MY00000000,1.0\n"))
					}
				}
			}()
		}
	}()
	return f
}

func (f *fakeSMU) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	copy(out, f.cmds)
	return out
}

// waitFor polls until the fake has seen at least n commands; writes are
// fire-and-forget so the test must allow for delivery
func (f *fakeSMU) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cmds := f.commands()
		if len(cmds) >= n {
			return cmds
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, have %v", n, f.commands())
	return nil
}

func openSMU(t *testing.T, addr string) *agilent.SMU {
	t.Helper()
	smu := agilent.NewSMU(addr, false)
	if err := smu.Open(); err != nil {
		t.Fatal("could not open SMU:", err)
	}
	return smu
}

func contains(cmds []string, want string) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}

func TestConfigureCommandSequence(t *testing.T) {
	f := newFakeSMU(t)
	smu := openSMU(t, f.addr)
	defer smu.Close()
	if err := smu.Configure(agilent.DefaultSetup()); err != nil {
		t.Fatal("configure errored:", err)
	}
	cmds := f.waitFor(t, 11)
	if cmds[0] != "*RST" {
		t.Errorf("expected the first command to be *RST, got %q", cmds[0])
	}
	for _, want := range []string{
		":SOUR:FUNC VOLT",
		":SOUR:VOLT 0",
		":SENS:FUNC 'CURR'",
		":SENS:VOLT:PROT 10",
		":SENS:CURR:PROT 0.1",
		":SENS:CURR:APER 0.001",
		":SENS:CURR:RANG 0.1",
		":OUTP ON",
	} {
		if !contains(cmds, want) {
			t.Errorf("configure never sent %q, saw %v", want, cmds)
		}
	}
}

func TestConfigureAutoRange(t *testing.T) {
	f := newFakeSMU(t)
	smu := openSMU(t, f.addr)
	defer smu.Close()
	cfg := agilent.DefaultSetup()
	cfg.CurrentRange = 0
	if err := smu.Configure(cfg); err != nil {
		t.Fatal("configure errored:", err)
	}
	cmds := f.waitFor(t, 11)
	if !contains(cmds, ":SENS:CURR:RANG:AUTO ON") {
		t.Errorf("expected autoranging to be enabled, saw %v", cmds)
	}
}

func TestSetVoltage(t *testing.T) {
	f := newFakeSMU(t)
	smu := openSMU(t, f.addr)
	defer smu.Close()
	if err := smu.SetVoltage(5); err != nil {
		t.Fatal("set voltage errored:", err)
	}
	cmds := f.waitFor(t, 1)
	if !contains(cmds, ":SOUR:VOLT 5") {
		t.Errorf("expected :SOUR:VOLT 5, saw %v", cmds)
	}
}

func TestMeasureCurrentReturnsRawPayload(t *testing.T) {
	f := newFakeSMU(t)
	smu := openSMU(t, f.addr)
	defer smu.Close()
	resp, err := smu.MeasureCurrent()
	if err != nil {
		t.Fatal("measure errored:", err)
	}
	if !strings.HasPrefix(resp, "+1.234560E-06") {
		t.Errorf("expected the raw reading, got %q", resp)
	}
	cmds := f.waitFor(t, 1)
	if !contains(cmds, ":MEAS:CURR? (@1)") {
		t.Errorf("expected a channel 1 spot measurement, saw %v", cmds)
	}
}

func TestBeepUpSequence(t *testing.T) {
	f := newFakeSMU(t)
	smu := openSMU(t, f.addr)
	defer smu.Close()
	if err := smu.BeepUp(); err != nil {
		t.Fatal("beep errored:", err)
	}
	cmds := f.waitFor(t, 5)
	if cmds[0] != ":SYST:BEEP:STAT ON" {
		t.Errorf("expected the beeper to be enabled first, saw %v", cmds)
	}
	if cmds[1] != ":SYST:BEEP 800, 0.1" || cmds[4] != ":SYST:BEEP 1600, 0.4" {
		t.Errorf("rising chirp out of order: %v", cmds)
	}
}
