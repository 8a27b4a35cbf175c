package hal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	defaultBaudRate   = 115200
	serialPollTimeout = 50 * time.Millisecond
)

// SerialChannel is a ByteChannel over a UART. Reads use a short port
// timeout so Cancel is observed without closing the port.
type SerialChannel struct {
	mutex    sync.Mutex
	port     serial.Port
	portName string
	canceled atomic.Bool
	closed   atomic.Bool
	log      logger
}

// OpenSerialChannel opens portName at baud with 8N1 framing
func OpenSerialChannel(portName string, baud int, logCallback LogCallback) (*SerialChannel, error) {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, NewChannelOpenError(fmt.Sprintf("failed to open UART port %s", portName), err)
	}

	if err := port.SetReadTimeout(serialPollTimeout); err != nil {
		_ = port.Close()
		return nil, NewChannelOpenError("failed to set UART read timeout", err)
	}

	return &SerialChannel{
		port:     port,
		portName: portName,
		log:      logger{cb: logCallback},
	}, nil
}

// Read blocks until data arrives, the port fails or Cancel is called
func (s *SerialChannel) Read(p []byte) (int, error) {
	for {
		if s.canceled.Swap(false) {
			return 0, ErrChannelCanceled
		}
		if s.closed.Load() {
			return 0, ErrChannelClosed
		}
		n, err := s.port.Read(p)
		if err != nil {
			if s.canceled.Swap(false) {
				return 0, ErrChannelCanceled
			}
			return 0, NewChannelReadError(fmt.Sprintf("UART read %s", s.portName), err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Write writes p to the port. The driver may accept fewer bytes.
func (s *SerialChannel) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrChannelClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, NewChannelWriteError(fmt.Sprintf("UART write %s", s.portName), err)
	}
	return n, nil
}

// Cancel makes a pending or the next Read return ErrChannelCanceled
func (s *SerialChannel) Cancel() error {
	s.canceled.Store(true)
	return nil
}

// SetFlow raises or drops RTS
func (s *SerialChannel) SetFlow(on bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.port.SetRTS(on); err != nil {
		return NewChannelControlError(fmt.Sprintf("set RTS on %s", s.portName), err)
	}
	return nil
}

// SetWake asserts or releases the wake line, wired to DTR
func (s *SerialChannel) SetWake(assert bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.port.SetDTR(assert); err != nil {
		return NewChannelControlError(fmt.Sprintf("set DTR on %s", s.portName), err)
	}
	return nil
}

// Close drains pending output and closes the port
func (s *SerialChannel) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.port.Drain(); err != nil {
		s.log.logf(LogLevelWarning, "UART %s drain failed: %v", s.portName, err)
	}
	if err := s.port.Close(); err != nil {
		return NewChannelCloseError(fmt.Sprintf("close %s", s.portName), err)
	}
	return nil
}
