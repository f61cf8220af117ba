package conn

import (
	"time"

	"go.bug.st/serial"
)

// Port is the subset of go.bug.st/serial.Port this package depends on.
// Declaring our own narrow interface (rather than importing serial.Port
// directly everywhere) lets tests substitute an in-memory fake without
// opening a real device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	SetDTR(v bool) error
	SetRTS(v bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// BreakPort is implemented by ports that can assert a break condition,
// required for the USB-Serial-JTAG reset strategy.
type BreakPort interface {
	Port
	Break(d time.Duration) error
}

// OpenSerial opens portName at the given baud rate using
// go.bug.st/serial, 8N1 with no parity.
func OpenSerial(portName string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}
