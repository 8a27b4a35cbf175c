//go:build linux

package hal

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	fdWriteTimeout = time.Second
	fdMaxRetries   = 10
	fdRetryTimeUs  = 1000 // microseconds

	// bcm2079x / pn5xx kernel driver power control ioctl
	nfcSetPwrIoctl = 0xE901
)

// FdChannel is a ByteChannel over a kernel character device or any other
// file descriptor. Reads poll the descriptor together with an eventfd so
// Cancel can unblock them.
type FdChannel struct {
	mutex    sync.Mutex
	fd       int
	cancelFd int
	path     string
	closed   bool
	noModem  bool
	log      logger
}

// OpenFdChannel opens a device node read/write and non-blocking
func OpenFdChannel(path string, logCallback LogCallback) (*FdChannel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, NewChannelOpenError(fmt.Sprintf("failed to open device %s", path), err)
	}
	c, err := newFdChannel(fd, path, logCallback)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// NewFdChannel wraps an already open descriptor. The channel takes ownership of fd.
func NewFdChannel(fd int, logCallback LogCallback) (*FdChannel, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, NewChannelOpenError("failed to set descriptor non-blocking", err)
	}
	return newFdChannel(fd, fmt.Sprintf("fd:%d", fd), logCallback)
}

func newFdChannel(fd int, path string, logCallback LogCallback) (*FdChannel, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, NewChannelOpenError("failed to create cancel eventfd", err)
	}
	return &FdChannel{
		fd:       fd,
		cancelFd: efd,
		path:     path,
		log:      logger{cb: logCallback},
	}, nil
}

// Read blocks until data is available, the descriptor fails or Cancel is called
func (c *FdChannel) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrChannelClosed
	}
	for {
		fds := []unix.PollFd{
			{Fd: int32(c.fd), Events: unix.POLLIN},
			{Fd: int32(c.cancelFd), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, NewChannelPollError(fmt.Sprintf("poll %s", c.path), err)
		}
		if fds[1].Revents != 0 {
			c.drainCancel()
			return 0, ErrChannelCanceled
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := unix.Read(c.fd, p)
			if err != nil {
				if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					continue
				}
				return 0, NewChannelReadError(fmt.Sprintf("read %s", c.path), err)
			}
			if n == 0 {
				return 0, NewChannelReadError(fmt.Sprintf("read %s", c.path), io.EOF)
			}
			return n, nil
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return 0, NewChannelReadError(fmt.Sprintf("%s hung up", c.path), io.EOF)
		}
	}
}

// Write writes as much of p as the descriptor accepts
func (c *FdChannel) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrChannelClosed
	}
	for retry := 0; retry <= fdMaxRetries; retry++ {
		n, err := unix.Write(c.fd, p)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if perr := c.awaitWritable(); perr != nil {
				return 0, perr
			}
			continue
		case unix.ENXIO:
			// I2C address NACK while the controller wakes up
			time.Sleep(time.Duration(fdRetryTimeUs) * time.Microsecond)
			c.log.logf(LogLevelDebug, "Retrying to send data, try %d/%d", retry+1, fdMaxRetries)
			continue
		default:
			return 0, NewChannelWriteError(fmt.Sprintf("write %s", c.path), err)
		}
	}
	return 0, NewChannelWriteError(fmt.Sprintf("write %s failed after retries", c.path), nil)
}

func (c *FdChannel) awaitWritable() error {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	deadline := time.Now().Add(fdWriteTimeout)
	for {
		timeoutMs := int(time.Until(deadline) / time.Millisecond)
		if timeoutMs < 1 {
			return NewChannelTimeoutError(fmt.Sprintf("write %s timed out", c.path))
		}
		n, err := unix.Poll(pfd, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return NewChannelPollError(fmt.Sprintf("poll %s for write", c.path), err)
		}
		if n > 0 {
			return nil
		}
	}
}

// Cancel unblocks a pending Read
func (c *FdChannel) Cancel() error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(c.cancelFd, one[:]); err != nil && err != unix.EAGAIN {
		return NewChannelControlError("signal cancel eventfd", err)
	}
	return nil
}

func (c *FdChannel) drainCancel() {
	var buf [8]byte
	unix.Read(c.cancelFd, buf[:])
}

// SetFlow raises or drops RTS
func (c *FdChannel) SetFlow(on bool) error {
	return c.setModemBit(unix.TIOCM_RTS, on)
}

// SetWake asserts or releases the wake line, wired to DTR
func (c *FdChannel) SetWake(assert bool) error {
	return c.setModemBit(unix.TIOCM_DTR, assert)
}

func (c *FdChannel) setModemBit(bit int, set bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.noModem {
		return nil
	}
	req := uint(unix.TIOCMBIC)
	if set {
		req = unix.TIOCMBIS
	}
	if err := unix.IoctlSetPointerInt(c.fd, req, bit); err != nil {
		if err == unix.ENOTTY || err == unix.EINVAL {
			// Not a tty: the device has no modem control lines
			c.noModem = true
			c.log.logf(LogLevelDebug, "%s has no modem control lines", c.path)
			return nil
		}
		return NewChannelControlError(fmt.Sprintf("modem control on %s", c.path), err)
	}
	return nil
}

// SetPower switches the controller power through the NFC kernel driver
func (c *FdChannel) SetPower(on bool) error {
	c.log.logf(LogLevelDebug, "Set power: %v", on)

	var value uintptr
	if on {
		value = 1
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(c.fd),
		uintptr(nfcSetPwrIoctl),
		value,
	)

	if errno != 0 {
		if errno == unix.ENOTTY || errno == unix.EINVAL {
			return nil
		}
		return NewChannelControlError("ioctl power control error", errno)
	}
	return nil
}

// Close releases the descriptor and the cancel eventfd
func (c *FdChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	unix.Close(c.cancelFd)
	if err := unix.Close(c.fd); err != nil {
		return NewChannelCloseError(fmt.Sprintf("close %s", c.path), err)
	}
	return nil
}

func (c *FdChannel) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}
