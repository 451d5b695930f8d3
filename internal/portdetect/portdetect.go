package portdetect

import (
	"context"
	"time"

	"flashengine/internal/model"
)

// DetectAllPorts performs a one-shot scan and returns every entry whose
// (VID, PID) pair is in the known-device table, deduplicated by
// instance ID. When the
// same physical device appears more than once (e.g. before and after
// its VCOM driver binds), the entry with HasComPort=true wins.
func DetectAllPorts() ([]model.DetectedPort, error) {
	raw, err := scanPlatform()
	if err != nil {
		return nil, err
	}
	return dedupe(raw), nil
}

func dedupe(raw []model.DetectedPort) []model.DetectedPort {
	byInstance := make(map[string]model.DetectedPort)
	order := make([]string, 0, len(raw))
	for _, p := range raw {
		existing, ok := byInstance[p.InstanceID]
		if !ok {
			byInstance[p.InstanceID] = p
			order = append(order, p.InstanceID)
			continue
		}
		if p.HasComPort && !existing.HasComPort {
			byInstance[p.InstanceID] = p
		}
	}
	out := make([]model.DetectedPort, 0, len(order))
	for _, id := range order {
		out = append(out, byInstance[id])
	}
	return out
}

// EventKind distinguishes arrival from removal in a Watch stream.
type EventKind int

const (
	EventDeviceDetected EventKind = iota
	EventDeviceRemoved
)

// Event is one arrival/removal notification from Watch.
type Event struct {
	Kind EventKind
	Port model.DetectedPort
}

// Watch periodically scans for ports of the given kind, emitting
// EventDeviceDetected for new entries and EventDeviceRemoved for
// entries that disappeared since the previous scan. It runs until ctx
// is cancelled. Detection failures are logged by the caller via the
// returned error channel's absence — spec.md §7 requires detection
// failures never propagate, so a scan error is silently retried on
// the next tick instead of closing the event channel.
func Watch(ctx context.Context, kind model.ClassifiedKind, interval time.Duration) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		seen := make(map[string]model.DetectedPort)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		scanOnce := func() {
			ports, err := DetectAllPorts()
			if err != nil {
				// Detection failures are benign; just retry next tick.
				return
			}
			current := make(map[string]model.DetectedPort)
			for _, p := range ports {
				if p.ClassifiedKind != kind {
					continue
				}
				current[p.InstanceID] = p
				if _, ok := seen[p.InstanceID]; !ok {
					select {
					case events <- Event{Kind: EventDeviceDetected, Port: p}:
					case <-ctx.Done():
						return
					}
				}
			}
			for id, p := range seen {
				if _, ok := current[id]; !ok {
					select {
					case events <- Event{Kind: EventDeviceRemoved, Port: p}:
					case <-ctx.Done():
						return
					}
				}
			}
			seen = current
		}

		scanOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scanOnce()
			}
		}
	}()

	return events
}
