// Package service orchestrates a Spreadtrum session end to end:
// connecting to the boot ROM, loading FDL1 and FDL2 (either from
// caller-supplied bytes or from a chip database keyed by device
// identity), flashing a parsed PAC firmware package, and partition/
// IMEI I/O once FDL2 is ready. Grounded on spreadtrum_service.h's
// declared API shape (connectDevice/loadFdl1/loadFdl2/
// loadFdl1FromDatabase/loadFdl2FromDatabase/loadPacFile/flashPac/
// currentStage) together with fdl_client.cpp's command-sequencing
// idiom, since no spreadtrum_service.cpp exists in the retrieved
// original source.
package service

import (
	"context"
	"fmt"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/sprd/fdl"
	"flashengine/internal/transport"
	"flashengine/internal/watchdog"
)

// Per-phase deadlines enforced via wd when one is installed, matching
// spec.md §5's handshake/bulk timeout table.
const (
	handshakeTimeout = 3 * time.Second
	bulkTimeout      = 60 * time.Second
)

// Stage identifies which download stage is currently in control.
type Stage int

const (
	StageNone Stage = iota
	StageBootROM
	StageFDL1
	StageFDL2
)

// DatabaseLookup resolves a stage blob (FDL1 or FDL2) plus its load
// address for a connected chip, e.g. from a vendor's pac/fdl
// repository keyed by chip name.
type DatabaseLookup func(ctx context.Context, chipName string, stage Stage) (data []byte, loadAddr uint32, err error)

// PacEntry is one flashable region extracted from a parsed PAC file:
// a named partition and the raw bytes to write at offset 0 within it.
type PacEntry struct {
	Partition string
	Data      []byte
}

// Service drives one Spreadtrum device session over a single Transport.
type Service struct {
	t   transport.Transport
	bus *events.Bus

	client *fdl.Client
	stage  Stage
	state  events.State

	fdl2LoadAddr uint32
	fdl2Entry    uint32

	// reconnectDelay is how long LoadFDL1 waits for FDL1 to boot and
	// start listening before issuing its CONNECT handshake.
	reconnectDelay time.Duration

	wd *watchdog.Watchdog
}

// SetWatchdog installs a per-operation deadline monitor enforced around
// ConnectDevice, LoadFDL1/LoadFDL2, and FlashPac. Pass nil to disable it.
func (s *Service) SetWatchdog(wd *watchdog.Watchdog) { s.wd = wd }

// New creates a Service bound to t.
func New(t transport.Transport, bus *events.Bus) *Service {
	return &Service{
		t:              t,
		bus:            bus,
		state:          events.StateDisconnected,
		client:         fdl.New(t, bus),
		reconnectDelay: 500 * time.Millisecond,
	}
}

func (s *Service) setState(st events.State) {
	s.state = st
	if s.bus != nil {
		s.bus.PublishState(st)
	}
}

// State returns the orchestrator's current FSM state.
func (s *Service) State() events.State { return s.state }

// CurrentStage reports which download stage last completed a CONNECT
// handshake.
func (s *Service) CurrentStage() Stage { return s.stage }

// ConnectDevice performs the BSL CONNECT handshake against the boot
// ROM, the precondition for loading FDL1.
func (s *Service) ConnectDevice(ctx context.Context) error {
	s.setState(events.StateConnecting)
	if s.wd != nil {
		s.wd.Start("sprd connect", handshakeTimeout)
		defer s.wd.Stop()
	}
	if err := s.client.Connect(); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.ConnectDevice", fmt.Errorf("bsl connect: %w", err))
	}
	s.stage = StageBootROM
	s.setState(events.StateHandshaking)
	return nil
}

// LoadFDL1 downloads fdl1Data to loadAddr and executes it, reconnecting
// (FDL1 requires its own CONNECT once it starts running) before
// accepting further commands.
func (s *Service) LoadFDL1(ctx context.Context, fdl1Data []byte, loadAddr uint32, progress func(done, total int64)) error {
	if s.stage != StageBootROM {
		return ferrors.Protocol("service.LoadFDL1", fmt.Errorf("must be connected to the boot ROM first"))
	}
	if s.wd != nil {
		s.wd.Start("sprd load fdl1", bulkTimeout)
		defer s.wd.Stop()
		origProgress := progress
		progress = func(done, total int64) {
			s.wd.Feed()
			if origProgress != nil {
				origProgress(done, total)
			}
		}
	}
	if err := s.client.Download(fdl1Data, loadAddr, progress); err != nil {
		s.setState(events.StateError)
		return err
	}
	if err := s.client.Exec(); err != nil {
		s.setState(events.StateError)
		return err
	}
	select {
	case <-time.After(s.reconnectDelay):
	case <-ctx.Done():
		return ferrors.Transport("service.LoadFDL1", ctx.Err())
	}
	if err := s.client.Connect(); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.LoadFDL1", fmt.Errorf("reconnecting to FDL1: %w", err))
	}
	s.stage = StageFDL1
	s.setState(events.StateFdl1Loaded)
	return nil
}

// LoadFDL1FromDatabase resolves FDL1 bytes for chipName via lookup
// before loading it.
func (s *Service) LoadFDL1FromDatabase(ctx context.Context, chipName string, lookup DatabaseLookup, progress func(done, total int64)) error {
	data, loadAddr, err := lookup(ctx, chipName, StageFDL1)
	if err != nil {
		return ferrors.Resource("service.LoadFDL1FromDatabase", fmt.Errorf("resolving FDL1 for %q: %w", chipName, err))
	}
	return s.LoadFDL1(ctx, data, loadAddr, progress)
}

// LoadFDL2 downloads fdl2Data to loadAddr and executes it via FDL1,
// after which partition I/O becomes available.
func (s *Service) LoadFDL2(ctx context.Context, fdl2Data []byte, loadAddr uint32, progress func(done, total int64)) error {
	if s.stage != StageFDL1 {
		return ferrors.Protocol("service.LoadFDL2", fmt.Errorf("must have FDL1 loaded first"))
	}
	if s.wd != nil {
		s.wd.Start("sprd load fdl2", bulkTimeout)
		defer s.wd.Stop()
		origProgress := progress
		progress = func(done, total int64) {
			s.wd.Feed()
			if origProgress != nil {
				origProgress(done, total)
			}
		}
	}
	if err := s.client.Download(fdl2Data, loadAddr, progress); err != nil {
		s.setState(events.StateError)
		return err
	}
	if err := s.client.Exec(); err != nil {
		s.setState(events.StateError)
		return err
	}
	s.fdl2LoadAddr = loadAddr
	s.stage = StageFDL2
	s.setState(events.StateFdl2Loaded)
	s.setState(events.StateReady)
	return nil
}

// LoadFDL2FromDatabase resolves FDL2 bytes for chipName via lookup
// before loading it.
func (s *Service) LoadFDL2FromDatabase(ctx context.Context, chipName string, lookup DatabaseLookup, progress func(done, total int64)) error {
	data, loadAddr, err := lookup(ctx, chipName, StageFDL2)
	if err != nil {
		return ferrors.Resource("service.LoadFDL2FromDatabase", fmt.Errorf("resolving FDL2 for %q: %w", chipName, err))
	}
	return s.LoadFDL2(ctx, data, loadAddr, progress)
}

func (s *Service) requireReady(op string) error {
	if s.stage != StageFDL2 {
		return ferrors.Protocol(op, fmt.Errorf("FDL2 not loaded"))
	}
	return nil
}

// FlashPac writes each entry's data to its named partition in order,
// the flow a caller drives after extracting entries from a
// parsed PAC container (PAC parsing itself lives with the other
// firmware-container formats, not in this orchestrator).
func (s *Service) FlashPac(ctx context.Context, entries []PacEntry, progress func(entry string, done, total int64)) error {
	if err := s.requireReady("service.FlashPac"); err != nil {
		return err
	}
	if s.wd != nil {
		s.wd.Start("sprd flash pac", bulkTimeout)
		defer s.wd.Stop()
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("service.FlashPac", err)
		}
		pf := func(done, total int64) {
			if s.wd != nil {
				s.wd.Feed()
			}
			if progress != nil {
				progress(e.Partition, done, total)
			}
		}
		if err := s.client.WritePartition(e.Partition, 0, e.Data, pf); err != nil {
			return ferrors.Protocol("service.FlashPac", fmt.Errorf("flashing %s: %w", e.Partition, err))
		}
	}
	return nil
}

// ReadPartitions returns FDL2's partition table.
func (s *Service) ReadPartitions(ctx context.Context) ([]fdl.Partition, error) {
	if err := s.requireReady("service.ReadPartitions"); err != nil {
		return nil, err
	}
	return s.client.ReadPartitionList()
}

// ReadPartition reads size bytes from name starting at offset.
func (s *Service) ReadPartition(ctx context.Context, name string, offset, size uint64, progress func(done, total int64)) ([]byte, error) {
	if err := s.requireReady("service.ReadPartition"); err != nil {
		return nil, err
	}
	return s.client.ReadPartition(name, offset, size, progress)
}

// WritePartition writes data to name starting at offset.
func (s *Service) WritePartition(ctx context.Context, name string, offset uint64, data []byte, progress func(done, total int64)) error {
	if err := s.requireReady("service.WritePartition"); err != nil {
		return err
	}
	return s.client.WritePartition(name, offset, data, progress)
}

// ErasePartition zeroes name's [offset, offset+size) range.
func (s *Service) ErasePartition(ctx context.Context, name string, offset, size uint64) error {
	if err := s.requireReady("service.ErasePartition"); err != nil {
		return err
	}
	return s.client.ErasePartition(name, offset, size)
}

// ReadIMEI reads the IMEI stored at slot index (0 or 1).
func (s *Service) ReadIMEI(ctx context.Context, index int) (string, error) {
	if err := s.requireReady("service.ReadIMEI"); err != nil {
		return "", err
	}
	return s.client.ReadIMEI(index)
}

// WriteIMEI writes imei to slot index.
func (s *Service) WriteIMEI(ctx context.Context, index int, imei string) error {
	if err := s.requireReady("service.WriteIMEI"); err != nil {
		return err
	}
	return s.client.WriteIMEI(index, imei)
}

// GetVersion reads the currently-running stage's version string.
func (s *Service) GetVersion(ctx context.Context) (string, error) {
	if s.stage == StageNone {
		return "", ferrors.Protocol("service.GetVersion", fmt.Errorf("not connected"))
	}
	return s.client.GetVersion()
}

// Reboot resets the device out of download mode.
func (s *Service) Reboot(ctx context.Context) error {
	if s.stage == StageNone {
		return ferrors.Protocol("service.Reboot", fmt.Errorf("not connected"))
	}
	return s.client.NormalReset()
}

// PowerOff powers the device down.
func (s *Service) PowerOff(ctx context.Context) error {
	if s.stage == StageNone {
		return ferrors.Protocol("service.PowerOff", fmt.Errorf("not connected"))
	}
	return s.client.PowerOff()
}
