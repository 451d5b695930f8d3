// Package faketransport provides an in-memory transport.Transport
// fixture for protocol unit tests, generalizing the teacher's
// hex-fixture test style (cmd/monitor/main_test.go) to a full
// read/write/timeout double instead of just a parser input.
package faketransport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is a queue of canned reads paired with a log of everything
// written to it. Writes can optionally trigger a canned response via
// OnWrite, letting tests model request/response protocols without a
// real device.
type Fake struct {
	mu       sync.Mutex
	pending  []byte
	writes   [][]byte
	OnWrite  func(f *Fake, data []byte)
	closed   bool
}

func New() *Fake { return &Fake{} }

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) Description() string { return "fake" }

// Feed queues bytes to be returned by future Read/ReadExact calls.
func (f *Fake) Feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, data...)
}

// Writes returns every byte slice passed to Write, in order.
func (f *Fake) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *Fake) Write(data []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, fmt.Errorf("write on closed transport")
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	hook := f.OnWrite
	f.mu.Unlock()
	if hook != nil {
		hook(f, cp)
	}
	return len(data), nil
}

func (f *Fake) Read(max int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, fmt.Errorf("read timeout after %s: no data queued", timeout)
	}
	n := max
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *Fake) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) < n {
		return nil, fmt.Errorf("read timeout after %s: wanted %d bytes, have %d", timeout, n, len(f.pending))
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

func (f *Fake) DiscardInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
	return nil
}

func (f *Fake) DiscardOutput() error { return nil }
