//go:build !linux

// internal/portdetect/scanner_other.go
// Windows enumeration (SetupDiGetClassDevs across the Ports, USB,
// USBDevice, Modem, Unknown, WPD, and AndroidUSB device classes, per
// spec.md §4.2) depends on Win32 APIs this module does not vendor.
// This stub keeps the package's public DetectAllPorts/Watch contract available
// on every platform; port_detector.cpp in the original is the
// reference for a full Win32 implementation.
package portdetect

import "flashengine/internal/model"

func scanPlatform() ([]model.DetectedPort, error) {
	return nil, nil
}
