// internal/transport/usb.go
// USB bulk transport, primary for Fastboot and usable for low-level
// BROM exploit paths. Generalizes the teacher's
// internal/driver/device/usb_device.go OpenUSBDevice/claim-interface/
// endpoint-lookup sequence from a fixed Bitmain VID:PID to any
// (vid, pid), and its Close from a flat device.Close() to the
// reset-before-release sequence spec.md §4.1 requires to avoid driver
// lock-out on hot reconnection.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"flashengine/internal/ferrors"
)

var (
	usbCtxMu   sync.Mutex
	usbCtx     *gousb.Context
	usbCtxRefs int
)

// sharedUSBContext lazily initializes the process-wide gousb.Context
// and reference-counts it, replacing the module-level counter the
// design notes flag for an init/exit-style global.
func sharedUSBContext() *gousb.Context {
	usbCtxMu.Lock()
	defer usbCtxMu.Unlock()
	if usbCtx == nil {
		usbCtx = gousb.NewContext()
	}
	usbCtxRefs++
	return usbCtx
}

func releaseUSBContext() {
	usbCtxMu.Lock()
	defer usbCtxMu.Unlock()
	usbCtxRefs--
	if usbCtxRefs <= 0 && usbCtx != nil {
		usbCtx.Close()
		usbCtx = nil
		usbCtxRefs = 0
	}
}

// USBTransport is a claimed USB interface with one bulk IN and one
// bulk OUT endpoint.
type USBTransport struct {
	vid, pid gousb.ID
	device   *gousb.Device
	config   *gousb.Config
	intf     *gousb.Interface
	epIn     *gousb.InEndpoint
	epOut    *gousb.OutEndpoint
	desc     string
}

// NewUSBTransport targets a device by (vid, pid). Open() performs the
// actual device open and endpoint claim.
func NewUSBTransport(vid, pid uint16) *USBTransport {
	return &USBTransport{vid: gousb.ID(vid), pid: gousb.ID(pid)}
}

func (u *USBTransport) Description() string {
	if u.desc != "" {
		return u.desc
	}
	return fmt.Sprintf("usb:%04x:%04x", uint16(u.vid), uint16(u.pid))
}

func (u *USBTransport) Open(ctx context.Context) error {
	c := sharedUSBContext()

	device, err := c.OpenDeviceWithVIDPID(u.vid, u.pid)
	if err != nil {
		releaseUSBContext()
		return ferrors.Transport("usb.Open", fmt.Errorf("open %04x:%04x: %w", uint16(u.vid), uint16(u.pid), err))
	}
	if device == nil {
		releaseUSBContext()
		return ferrors.Transport("usb.Open", fmt.Errorf("device %04x:%04x not present", uint16(u.vid), uint16(u.pid)))
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		releaseUSBContext()
		return ferrors.Transport("usb.Open", fmt.Errorf("set config: %w", err))
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		releaseUSBContext()
		return ferrors.Transport("usb.Open", fmt.Errorf("claim interface 0: %w", err))
	}

	var epIn *gousb.InEndpoint
	var epOut *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && epIn == nil {
			if in, err := intf.InEndpoint(ep.Number); err == nil {
				epIn = in
			}
		}
		if ep.Direction == gousb.EndpointDirectionOut && epOut == nil {
			if out, err := intf.OutEndpoint(ep.Number); err == nil {
				epOut = out
			}
		}
	}
	if epIn == nil || epOut == nil {
		intf.Close()
		config.Close()
		device.Close()
		releaseUSBContext()
		return ferrors.Transport("usb.Open", fmt.Errorf("no bulk IN/OUT endpoint pair found"))
	}

	u.device = device
	u.config = config
	u.intf = intf
	u.epIn = epIn
	u.epOut = epOut
	u.desc = fmt.Sprintf("usb:%04x:%04x bus=%d addr=%d", uint16(u.vid), uint16(u.pid), device.Desc.Bus, device.Desc.Address)
	return nil
}

// Close resets the device before releasing the handle, preventing
// driver lock-out on hot reconnection (spec.md §4.1).
func (u *USBTransport) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.config != nil {
		u.config.Close()
	}
	var resetErr error
	if u.device != nil {
		resetErr = u.device.Reset()
		u.device.Close()
	}
	releaseUSBContext()
	return resetErr
}

func (u *USBTransport) Write(data []byte) (int, error) {
	n, err := u.epOut.Write(data)
	if err != nil {
		return n, ferrors.Transport("usb.Write", err)
	}
	if n != len(data) {
		return n, ferrors.Transport("usb.Write", fmt.Errorf("short write: %d of %d bytes", n, len(data)))
	}
	return n, nil
}

func (u *USBTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, max)
	n, err := u.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, ferrors.Transport("usb.Read", err)
	}
	return buf[:n], nil
}

// ReadExact is implemented by looped Read, per spec.md §4.1.
func (u *USBTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, ferrors.Transport("usb.ReadExact", fmt.Errorf("deadline exceeded with %d of %d bytes", len(out), n))
		}
		chunk, err := u.Read(n-len(out), remaining)
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (u *USBTransport) DiscardInput() error {
	// gousb has no flush primitive; drain whatever is pending with a
	// short best-effort read.
	_, _ = u.Read(4096, 20*time.Millisecond)
	return nil
}

func (u *USBTransport) DiscardOutput() error { return nil }
