//go:build linux

// internal/transport/serial.go
// Serial port transport for Qualcomm, MediaTek, and Spreadtrum: opens
// an OS-named port, configures 8N1 raw mode with DTR/RTS asserted, and
// implements the two-phase read_exact timeout spec.md §4.1 requires.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"flashengine/internal/ferrors"
)

// interByteGap is the short timeout used for bytes after the first,
// once a read_exact call has started receiving data.
const interByteGap = 100 * time.Millisecond

// SerialTransport is a raw 8N1 serial port with no flow control.
type SerialTransport struct {
	path string
	fd   int
	file *os.File
}

// NewSerialTransport constructs a transport for an OS-named port
// ("COM3", "/dev/ttyUSB0"). Open() must be called before use.
func NewSerialTransport(path string) *SerialTransport {
	return &SerialTransport{path: path}
}

func (s *SerialTransport) Description() string {
	return fmt.Sprintf("serial:%s", s.path)
}

// Open configures the port per spec.md §4.1: 8N1, no flow control,
// DTR+RTS asserted, raw binary mode, ≥1 MiB input buffer where the
// platform honors one. It deliberately does NOT discard the input
// buffer — some devices (Qualcomm EDL) transmit their first protocol
// frame immediately on open, and callers decide when to discard.
func (s *SerialTransport) Open(ctx context.Context) error {
	fd, err := unix.Open(s.path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return ferrors.Transport("serial.Open", fmt.Errorf("open %s: %w", s.path, err))
	}
	s.fd = fd
	s.file = os.NewFile(uintptr(fd), s.path)

	term, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return ferrors.Transport("serial.Open", fmt.Errorf("tcgetattr %s: %w", s.path, err))
	}

	cfmakeraw(term)
	term.Cflag |= unix.CLOCAL | unix.CREAD
	term.Cflag &^= unix.PARENB | unix.CSTOPB | unix.CSIZE
	term.Cflag |= unix.CS8
	term.Cflag &^= unix.CRTSCTS
	term.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, term); err != nil {
		unix.Close(fd)
		return ferrors.Transport("serial.Open", fmt.Errorf("tcsetattr %s: %w", s.path, err))
	}

	if err := setBaud(fd, 921600); err != nil {
		unix.Close(fd)
		return ferrors.Transport("serial.Open", fmt.Errorf("set baud %s: %w", s.path, err))
	}

	// Assert DTR and RTS.
	bits := unix.TIOCM_DTR | unix.TIOCM_RTS
	_ = unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bits)

	return nil
}

func (s *SerialTransport) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Write blocks until fully flushed or fails.
func (s *SerialTransport) Write(data []byte) (int, error) {
	n, err := s.file.Write(data)
	if err != nil {
		return n, ferrors.Transport("serial.Write", err)
	}
	if n != len(data) {
		return n, ferrors.Transport("serial.Write", fmt.Errorf("short write: %d of %d bytes", n, len(data)))
	}
	return n, nil
}

// Read returns up to len(max) bytes, blocking at most timeout.
func (s *SerialTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	if err := s.setReadDeadline(timeout); err != nil {
		return nil, ferrors.Transport("serial.Read", err)
	}
	buf := make([]byte, max)
	n, err := s.file.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return nil, ferrors.Transport("serial.Read", fmt.Errorf("read timeout after %s", timeout))
		}
		return nil, ferrors.Transport("serial.Read", err)
	}
	return buf[:n], nil
}

// ReadExact implements the two-phase timeout: the full caller timeout
// for the first byte, then a short inter-byte gap for subsequent
// bytes, until n bytes arrive or the total deadline elapses.
func (s *SerialTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)

	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, ferrors.Transport("serial.ReadExact", fmt.Errorf("deadline exceeded with %d of %d bytes", len(out), n))
		}

		var phaseTimeout time.Duration
		if len(out) == 0 {
			phaseTimeout = timeout
		} else {
			phaseTimeout = interByteGap
			if phaseTimeout > remaining {
				phaseTimeout = remaining
			}
		}

		if err := s.setReadDeadline(phaseTimeout); err != nil {
			return out, ferrors.Transport("serial.ReadExact", err)
		}
		buf := make([]byte, n-len(out))
		read, err := s.file.Read(buf)
		if read > 0 {
			out = append(out, buf[:read]...)
		}
		if err != nil {
			if isTimeout(err) {
				if len(out) == 0 {
					return out, ferrors.Transport("serial.ReadExact", fmt.Errorf("read timeout before first byte"))
				}
				// Inter-byte gap elapsed with no more data: treat as
				// a fatal short read, matching the spec's "n bytes or
				// fail" contract.
				return out, ferrors.Transport("serial.ReadExact", fmt.Errorf("inter-byte timeout with %d of %d bytes", len(out), n))
			}
			return out, ferrors.Transport("serial.ReadExact", err)
		}
	}
	return out, nil
}

func (s *SerialTransport) DiscardInput() error {
	return unix.IoctlTcflush(s.fd, unix.TCIFLUSH)
}

func (s *SerialTransport) DiscardOutput() error {
	return unix.IoctlTcflush(s.fd, unix.TCOFLUSH)
}

func (s *SerialTransport) setReadDeadline(timeout time.Duration) error {
	return s.file.SetReadDeadline(time.Now().Add(timeout))
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
