// Package agilent provides an interface to agilent test and measurement equipment
package agilent

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.com/beamtime/gatelab/comm"
	"github.com/beamtime/gatelab/scpi"
)

// responseSize is the bounded read length for measurement queries.  The
// B2902A answers a :MEAS query with one ASCII float, far under this.
const responseSize = 256

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Minute}
}

// Setup holds the source and sense configuration applied to the SMU
// before a measurement session
type Setup struct {
	// Voltage is the initial source level in volts
	Voltage float64 `yaml:"Voltage"`

	// Aperture is the integration time per reading in seconds
	Aperture float64 `yaml:"Aperture"`

	// VoltageProtection is the voltage compliance limit in volts
	VoltageProtection float64 `yaml:"VoltageProtection"`

	// CurrentProtection is the current compliance limit in amps
	CurrentProtection float64 `yaml:"CurrentProtection"`

	// CurrentRange is the manual current measurement range in amps.
	// Zero selects autoranging.
	CurrentRange float64 `yaml:"CurrentRange"`
}

// DefaultSetup returns the setup used for gating measurements in air:
// output starts at zero, 1 ms integration, 10 V / 100 mA compliance,
// 100 mA manual range.
func DefaultSetup() Setup {
	return Setup{
		Voltage:           0,
		Aperture:          1e-3,
		VoltageProtection: 10,
		CurrentProtection: 0.1,
		CurrentRange:      0.1}
}

// SMU is an interface to the B2902A source-measure unit.  It sources a
// voltage and senses current on one channel.
type SMU struct {
	scpi.SCPI

	// Channel is the SMU channel sourced and sensed, 1 or 2 on a B2902A
	Channel int
}

// NewSMU creates a new SMU instance with the communication set up
func NewSMU(addr string, serial bool) *SMU {
	term := comm.Terminators{Tx: '\n', Rx: '\n'}
	rd := comm.NewRemoteDevice(addr, serial, &term, makeSerConf(addr))
	// measurement sessions are open-ended; do not let the transport
	// deadline expire under a long run
	rd.Timeout = 24 * time.Hour
	return &SMU{SCPI: scpi.SCPI{RemoteDevice: &rd}, Channel: 1}
}

// Identification returns the identifying information from the SMU,
// e.g. "Agilent Technologies,B2902A,MY51141974,3.4.2011.5100"
func (s *SMU) Identification() (string, error) {
	return s.ReadString("*IDN?")
}

// Reset restores the instrument to its default state
func (s *SMU) Reset() error {
	return s.Write("*RST")
}

// SyncClock sets the system date and time on the instrument to the
// host's wall clock
func (s *SMU) SyncClock() error {
	now := time.Now()
	err := s.Write(":SYST:DATE", now.Format("2006,01,02"))
	if err != nil {
		return err
	}
	return s.Write(":SYST:TIME", now.Format("15,04,05"))
}

// Configure resets the instrument, syncs its clock, and sets it up to
// source voltage and sense current per the given setup, finishing with
// the output enabled
func (s *SMU) Configure(cfg Setup) error {
	err := s.Reset()
	if err != nil {
		return err
	}
	err = s.SyncClock()
	if err != nil {
		return err
	}
	cmds := [][]string{
		{":SOUR:FUNC", "VOLT"},
		{":SOUR:VOLT", ftoa(cfg.Voltage)},
		{":SENS:FUNC", "'CURR'"},
		{":SENS:VOLT:PROT", ftoa(cfg.VoltageProtection)},
		{":SENS:CURR:PROT", ftoa(cfg.CurrentProtection)},
		{fmt.Sprintf(":SENS:CURR:APER %0.3f", cfg.Aperture)},
	}
	for _, cmd := range cmds {
		if err := s.Write(cmd...); err != nil {
			return err
		}
	}
	if cfg.CurrentRange > 0 {
		err = s.Write(":SENS:CURR:RANG", ftoa(cfg.CurrentRange))
	} else {
		err = s.Write(":SENS:CURR:RANG:AUTO", "ON")
	}
	if err != nil {
		return err
	}
	return s.EnableOutput()
}

// SetVoltage sets the source voltage level in volts
func (s *SMU) SetVoltage(volts float64) error {
	return s.Write(":SOUR:VOLT", ftoa(volts))
}

// GetVoltageSetpoint returns the programmed source level in volts
func (s *SMU) GetVoltageSetpoint() (float64, error) {
	return s.ReadFloat(":SOUR:VOLT?")
}

// EnableOutput enables the output on the front connector of the SMU
func (s *SMU) EnableOutput() error {
	return s.Write(":OUTP ON")
}

// DisableOutput disables the output on the front connector of the SMU
func (s *SMU) DisableOutput() error {
	return s.Write(":OUTP OFF")
}

// GetOutput returns true if the SMU is currently sourcing
func (s *SMU) GetOutput() (bool, error) {
	return s.ReadBool(":OUTP?")
}

// MeasureCurrent triggers a spot current measurement and returns the raw
// response payload.  The instrument may decorate the reading; the caller
// parses it.
func (s *SMU) MeasureCurrent() (string, error) {
	resp, err := s.ReadRaw(responseSize, fmt.Sprintf(":MEAS:CURR? (@%d)", s.Channel))
	return string(resp), err
}

// MeasureVoltage triggers a spot voltage measurement and returns the raw
// response payload
func (s *SMU) MeasureVoltage() (string, error) {
	resp, err := s.ReadRaw(responseSize, fmt.Sprintf(":MEAS:VOLT? (@%d)", s.Channel))
	return string(resp), err
}

// BeepUp plays a rising chirp on the instrument speaker
func (s *SMU) BeepUp() error {
	return s.beep([][2]float64{{800, 0.1}, {1000, 0.1}, {1200, 0.1}, {1600, 0.4}})
}

// BeepDown plays a falling chirp on the instrument speaker
func (s *SMU) BeepDown() error {
	return s.beep([][2]float64{{1600, 0.1}, {1200, 0.1}, {1000, 0.1}, {800, 0.4}})
}

func (s *SMU) beep(notes [][2]float64) error {
	err := s.Write(":SYST:BEEP:STAT ON")
	if err != nil {
		return err
	}
	for _, n := range notes {
		err = s.Write(fmt.Sprintf(":SYST:BEEP %d, %g", int(n[0]), n[1]))
		if err != nil {
			return err
		}
	}
	return nil
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}
