/*Package comm provides connection primitives for communication with lab hardware.

Most usages of this package will boil down to:
	1.  create a RemoteDevice with the terminators your instrument expects
	2.  Open it once and hold the connection for the session
	3.  write any methods you see fit on an embedding type based on
		Send/Recv/SendRecv/Request

A minimal example is provided below for a meter that responds to
"RD?" with the current reading:

	import "strconv"

	type MyMeter struct {
		comm.RemoteDevice
	}

	func (mm *MyMeter) Read() (float64, error) {
		resp, err := mm.SendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device is created without a config
	ErrNoSerialConf = errors.New("device is serial and has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// ConnectionError describes a transport failure talking to a remote device.
// It wraps the underlying cause and is fatal to the operation in progress;
// no retry is attempted beyond connection establishment.
type ConnectionError struct {
	// Addr is the remote address
	Addr string

	// Op is the operation that failed, e.g. "open", "send", "recv"
	Op string

	// Err is the underlying cause
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("comm: %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying cause
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Terminators holds the transmit and receive termination bytes for a device
type Terminators struct {
	Tx byte
	Rx byte
}

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

/*RemoteDevice has an address and implements Communicator.

The connection is persistent; Open it once and Close when the session is
finished.  Close is idempotent.  A RemoteDevice is not safe for concurrent
use; a single run of work owns the connection exclusively.
*/
type RemoteDevice struct {
	// Addr is the remote address, host:port for TCP or a filesystem
	// path for serial
	Addr string

	// IsSerial selects RS232 (true) over TCP (false)
	IsSerial bool

	// Timeout is applied at connect and as the transport default for
	// reads and writes; no per-operation enforcement beyond it
	Timeout time.Duration

	// Conn is the underlying connection, nil when closed
	Conn io.ReadWriteCloser

	terms  Terminators
	serCfg *serial.Config
}

// NewRemoteDevice creates a new RemoteDevice instance.  A nil terms gets
// carriage returns in both directions.  serCfg may be nil for TCP devices.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serCfg *serial.Config) RemoteDevice {
	if terms == nil {
		terms = &Terminators{Tx: '\r', Rx: '\r'}
	}
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    *terms,
		serCfg:   serCfg}
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return rd.terms.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return rd.terms.Rx
}

// Open the connection, setting the Conn variable.  Transient dial failures
// are retried with an exponential backoff; some instruments do not like
// being connection thrashed.
func (rd *RemoteDevice) Open() error {
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return &ConnectionError{Addr: rd.Addr, Op: "open", Err: errors.New("connection timeout")}
	}
	return &ConnectionError{Addr: rd.Addr, Op: "open", Err: err}
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.serCfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serCfg)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable.  Closing a device that
// is not open is not an error.
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	return err
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return &ConnectionError{Addr: rd.Addr, Op: "send", Err: ErrNotConnected}
	}
	b = append(b, rd.TxTerminator())
	_, err := rd.Conn.Write(b)
	if err != nil {
		return &ConnectionError{Addr: rd.Addr, Op: "send", Err: err}
	}
	return nil
}

// Recv recieves data from the remote and strips the Rx terminator.
// If the terminator is not found, the bytes read are returned alongside
// ErrTerminatorNotFound and the caller must validate framing.
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, &ConnectionError{Addr: rd.Addr, Op: "recv", Err: ErrNotConnected}
	}
	term := rd.RxTerminator()
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(term)
	if err != nil {
		return []byte{}, &ConnectionError{Addr: rd.Addr, Op: "recv", Err: err}
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		idx := bytes.IndexByte(buf, term)
		return buf[:idx], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// Request sends a buffer then performs a single bounded read of up to
// maxResponseSize bytes.  Whatever bytes arrived are returned; a short
// read is not an error and no framing is guaranteed.
func (rd *RemoteDevice) Request(b []byte, maxResponseSize int) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	buf := make([]byte, maxResponseSize)
	n, err := rd.Conn.Read(buf)
	if err != nil {
		return []byte{}, &ConnectionError{Addr: rd.Addr, Op: "recv", Err: err}
	}
	return buf[:n], nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
