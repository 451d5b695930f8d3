//go:build !linux

// internal/transport/serial_other.go
// Non-Linux serial support. The OS device-database driven COM-port
// enumeration and Win32 DCB configuration described in spec.md §4.1/§4.2
// belong to port_detector.cpp/win32_serial_transport.cpp in the
// original; they depend on platform-specific Win32 APIs this module
// does not vendor. This file provides the same Transport contract
// against a plain os.File so the package builds everywhere, with raw
// framing left to whatever mode the OS opens the port in by default.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"flashengine/internal/ferrors"
)

type SerialTransport struct {
	path string
	file *os.File
}

func NewSerialTransport(path string) *SerialTransport {
	return &SerialTransport{path: path}
}

func (s *SerialTransport) Description() string { return fmt.Sprintf("serial:%s", s.path) }

func (s *SerialTransport) Open(ctx context.Context) error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return ferrors.Transport("serial.Open", err)
	}
	s.file = f
	return nil
}

func (s *SerialTransport) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *SerialTransport) Write(data []byte) (int, error) {
	n, err := s.file.Write(data)
	if err != nil {
		return n, ferrors.Transport("serial.Write", err)
	}
	return n, nil
}

func (s *SerialTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	_ = s.file.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, max)
	n, err := s.file.Read(buf)
	if err != nil {
		return nil, ferrors.Transport("serial.Read", err)
	}
	return buf[:n], nil
}

func (s *SerialTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, ferrors.Transport("serial.ReadExact", fmt.Errorf("deadline exceeded with %d of %d bytes", len(out), n))
		}
		gap := 100 * time.Millisecond
		if len(out) == 0 {
			gap = timeout
		} else if gap > remaining {
			gap = remaining
		}
		_ = s.file.SetReadDeadline(time.Now().Add(gap))
		buf := make([]byte, n-len(out))
		read, err := s.file.Read(buf)
		out = append(out, buf[:read]...)
		if err != nil {
			return out, ferrors.Transport("serial.ReadExact", err)
		}
	}
	return out, nil
}

func (s *SerialTransport) DiscardInput() error  { return nil }
func (s *SerialTransport) DiscardOutput() error { return nil }
