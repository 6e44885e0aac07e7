// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beamtime/gatelab/comm"
)

// ProtocolError describes a malformed or truncated response from a device.
// The exchange is surfaced to the caller and the operation aborted; there
// is no partial recovery.
type ProtocolError struct {
	// Response is the raw payload that could not be understood
	Response string

	// Reason describes what was wrong with it
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("scpi: malformed response %q: %s", e.Response, e.Reason)
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	// RemoteDevice is the underlying connection to the instrument.
	// It is held open for the session; the SCPI layer does not
	// open or close it per exchange.
	RemoteDevice *comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

// Open establishes the connection to the device
func (s *SCPI) Open() error {
	return s.RemoteDevice.Open()
}

// Close releases the connection to the device
func (s *SCPI) Close() error {
	return s.RemoteDevice.Close()
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	err := s.RemoteDevice.Send([]byte(str))
	if err != nil {
		return err
	}
	if s.Handshaking {
		resp, err := s.RemoteDevice.Recv()
		if err != nil {
			return err
		}
		return checkHandshake(string(resp))
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	resp, err := s.RemoteDevice.SendRecv([]byte(str))
	if err != nil {
		return resp, err
	}
	if s.Handshaking {
		pieces := strings.Split(string(resp), ";")
		errS := pieces[len(pieces)-1]
		if err := checkHandshake(errS); err != nil {
			return resp, err
		}
		return []byte(strings.Join(pieces[:len(pieces)-1], "")), nil
	}
	return resp, nil
}

// ReadRaw sends a command to the device, then performs a single bounded
// read of up to maxResponseSize bytes.  The payload is returned exactly as
// received, no framing validation; the caller parses it.
func (s *SCPI) ReadRaw(maxResponseSize int, cmds ...string) ([]byte, error) {
	str := strings.Join(cmds, " ")
	return s.RemoteDevice.Request([]byte(str), maxResponseSize)
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err == nil && len(resp) > 0 {
		if resp[len(resp)-1] == '\n' {
			resp = resp[:len(resp)-1]
		}
		if len(resp) > 0 && resp[len(resp)-1] == '\r' {
			resp = resp[:len(resp)-1]
		}
	}
	return string(resp), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, &ProtocolError{Response: resp, Reason: "not a floating point value"}
	}
	return f, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(resp)
	if err != nil {
		return false, &ProtocolError{Response: resp, Reason: "not a boolean"}
	}
	return b, nil
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(resp)
	if err != nil {
		return 0, &ProtocolError{Response: resp, Reason: "not an integer"}
	}
	return i, nil
}

// Raw sends a command to the device and returns a response if it was a
// query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?") // unclear why the case needs to be this way
	if err != nil {
		return err
	}
	if len(str) >= 2 && str[0:2] == "+0" {
		return nil
	}
	return errors.New(str)
}

// AllErrors returns all errors from the device as a list
func (s *SCPI) AllErrors() []error {
	var errs []error
	var err error
	for {
		err = s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}

// checkHandshake validates an error-query response, "+0 No error" is OK
func checkHandshake(resp string) error {
	resp = strings.TrimRight(resp, "\r\n")
	if len(resp) < 2 {
		return &ProtocolError{Response: resp, Reason: "handshake response too short"}
	}
	if resp[0:2] != "+0" {
		return errors.New(resp)
	}
	return nil
}
