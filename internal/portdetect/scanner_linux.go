//go:build linux

// internal/portdetect/scanner_linux.go
// Linux enumeration walks /sys/bus/usb/devices, the non-Windows
// counterpart to spec.md §4.2's seven-device-class Windows scan. Each
// USB device directory carries idVendor/idProduct files in hex and,
// when a VCOM driver has bound, a tty/ subdirectory naming the
// assigned /dev/ttyUSBn or /dev/ttyACMn node — the Linux analogue of
// "has_com_port" arriving after the device is already visible.
package portdetect

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"flashengine/internal/model"
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

func scanPlatform() ([]model.DetectedPort, error) {
	entries, err := os.ReadDir(sysfsUSBDevices)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ports []model.DetectedPort
	for _, e := range entries {
		dir := filepath.Join(sysfsUSBDevices, e.Name())

		vid, ok1 := readHex16(filepath.Join(dir, "idVendor"))
		pid, ok2 := readHex16(filepath.Join(dir, "idProduct"))
		if !ok1 || !ok2 {
			continue
		}

		kind := Classify(vid, pid)
		if kind == model.KindUnknown {
			continue
		}

		port := model.DetectedPort{
			VID:            vid,
			PID:            pid,
			InstanceID:     e.Name(),
			IsUSB:          true,
			ClassifiedKind: kind,
		}
		port.Description = readTrimmed(filepath.Join(dir, "product"))
		port.FriendlyName = port.Description
		port.Driver = readTrimmed(filepath.Join(dir, "driver"))

		if tty := findTTY(dir); tty != "" {
			port.HasComPort = true
			port.PortName = tty
		}

		ports = append(ports, port)
	}
	return ports, nil
}

func readHex16(path string) (uint16, bool) {
	s := readTrimmed(path)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// findTTY looks for a bound tty child device (interface subdirectories
// named "<dev>:1.<n>/tty/ttyUSB*" or a direct "tty/ttyACM*" for CDC-ACM
// composite devices) and returns "/dev/<name>" if found.
func findTTY(deviceDir string) string {
	var found string
	filepath.Walk(deviceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if info.IsDir() && info.Name() == "tty" {
			children, err := os.ReadDir(path)
			if err == nil {
				for _, c := range children {
					found = "/dev/" + c.Name()
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	return found
}
