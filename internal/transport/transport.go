// Package transport defines the opaque byte-pipe contract every
// protocol stack is built on (spec.md §3 Transport) and its two
// concrete implementations: a serial port (internal/transport serial.go)
// and a USB bulk endpoint pair (usb.go, built on github.com/google/gousb
// exactly as the teacher's internal/driver/device/usb_device.go opens
// a Bitmain ASIC by VID/PID).
package transport

import (
	"context"
	"time"
)

// Transport is the byte-pipe contract. Every protocol client receives
// one of these and never closes it — the orchestrator that opened it
// owns its lifetime (spec.md §3 Transport lifetime, §9 borrowed
// references design note).
type Transport interface {
	Open(ctx context.Context) error
	Close() error

	// Write blocks until the buffer is fully flushed or returns an error.
	Write(data []byte) (int, error)

	// Read returns up to len(max) bytes, blocking at most timeout.
	Read(max int, timeout time.Duration) ([]byte, error)

	// ReadExact blocks (subject to the two-phase timeout rule serial
	// ports implement) until exactly n bytes have arrived, or fails.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	DiscardInput() error
	DiscardOutput() error

	// Description is a human-readable identifier for logs ("COM3",
	// "USB 05c6:9008 bus=1 addr=4").
	Description() string
}
