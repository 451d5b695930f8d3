// Package service orchestrates a Qualcomm session end to end: Sahara
// handshake and loader upload, the close/reopen port cycle a loader
// handoff requires, Firehose configuration and optional vendor
// authentication, partition I/O, and device control. Grounded on
// qualcomm/services/qualcomm_service.h/.cpp in the original source —
// QualcommService's state machine and method set, generalized from Qt
// signals/slots to the events.Bus this tree already uses.
package service

import (
	"context"
	"fmt"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/model"
	"flashengine/internal/qualcomm/auth"
	"flashengine/internal/qualcomm/firehose"
	"flashengine/internal/qualcomm/sahara"
	"flashengine/internal/transport"
	"flashengine/internal/watchdog"
)

// Per-phase deadlines enforced via wd when one is installed, matching
// spec.md §5's handshake/bulk timeout table.
const (
	handshakeTimeout = 3 * time.Second
	bulkTimeout      = 60 * time.Second
)

// portCycleDelay is how long a host must wait after the Sahara loader
// upload completes before the target's USB re-enumeration as a
// Firehose-speaking device is reliably done.
const portCycleDelay = 1500 * time.Millisecond

// Service drives one Qualcomm device session over a single Transport.
type Service struct {
	t    transport.Transport
	bus  *events.Bus
	open func(ctx context.Context) error

	sahara   *sahara.Client
	firehose *firehose.Client

	state          events.State
	storageType    firehose.StorageType
	maxPayloadSize uint32
	authStrategy   *auth.Strategy
	identity       *model.QualcommChipIdentity
	cycleDelay     time.Duration
	wd             *watchdog.Watchdog
}

// SetWatchdog installs a per-operation deadline monitor; Connect and
// UploadLoader start it with their phase deadline and stop it when the
// phase completes. Neither feeds it while the phase runs. Pass nil to
// disable deadline enforcement.
func (s *Service) SetWatchdog(wd *watchdog.Watchdog) { s.wd = wd }

// New creates a Service bound to t. reopen is called by
// CyclePortAndEnterFirehose after the port is closed, to reconnect on
// the path the loader re-enumerated as; pass nil if t.Open alone
// suffices (e.g. a fixed serial device node).
func New(t transport.Transport, bus *events.Bus, reopen func(ctx context.Context) error) *Service {
	if reopen == nil {
		reopen = t.Open
	}
	return &Service{
		t:              t,
		bus:            bus,
		open:           reopen,
		storageType:    firehose.StorageUFS,
		maxPayloadSize: 1048576,
		state:          events.StateDisconnected,
		cycleDelay:     portCycleDelay,
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

// DeviceIdentity returns the chip identity stored by the last
// successful ReadChipIdentity call, or nil if none has run since the
// last Disconnect.
func (s *Service) DeviceIdentity() *model.QualcommChipIdentity { return s.identity }

// SetAuthStrategy installs the vendor authentication strategy used
// once Firehose mode is entered. Pass nil to clear it.
func (s *Service) SetAuthStrategy(strategy *auth.Strategy) { s.authStrategy = strategy }

// SetStorageType sets the Firehose storage backend used for the next
// Configure call.
func (s *Service) SetStorageType(t firehose.StorageType) { s.storageType = t }

// SetMaxPayloadSize sets the payload ceiling offered at Configure time.
func (s *Service) SetMaxPayloadSize(n uint32) { s.maxPayloadSize = n }

// Connect runs the Sahara Hello negotiation in image-transfer mode,
// leaving the session in SaharaMode ready for UploadLoader. It does not
// read the chip identity; ReadChipIdentity does that separately.
func (s *Service) Connect(ctx context.Context) error {
	s.setState(events.StateConnecting)
	s.sahara = sahara.New(s.t, s.bus)

	if s.wd != nil {
		s.wd.Start("qualcomm connect", handshakeTimeout)
		defer s.wd.Stop()
	}

	if _, err := s.sahara.Hello(ctx, 0x00); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("sahara hello: %w", err))
	}
	s.setState(events.StateSaharaMode)
	return nil
}

// UploadLoader requires SaharaMode and drives the ReadData loop. The
// caller must follow a successful upload with CyclePortAndEnterFirehose
// — this deliberately does not enter Firehose mode itself, mirroring
// the original's explicit "do NOT enter Firehose mode here" contract.
func (s *Service) UploadLoader(ctx context.Context, loaderData []byte) error {
	if s.state != events.StateSaharaMode || s.sahara == nil {
		return ferrors.Protocol("service.UploadLoader", fmt.Errorf("not in Sahara mode"))
	}
	if s.wd != nil {
		s.wd.Start("qualcomm upload loader", bulkTimeout)
		defer s.wd.Stop()
	}
	if err := s.sahara.UploadLoader(ctx, loaderData); err != nil {
		s.setState(events.StateError)
		return err
	}
	return nil
}

// CyclePortAndEnterFirehose closes the transport, waits for the
// target's USB re-enumeration, reopens it, and configures Firehose.
func (s *Service) CyclePortAndEnterFirehose(ctx context.Context) error {
	if err := s.t.Close(); err != nil {
		return ferrors.Transport("service.CyclePortAndEnterFirehose", fmt.Errorf("closing port before cycle: %w", err))
	}
	select {
	case <-time.After(s.cycleDelay):
	case <-ctx.Done():
		return ferrors.Transport("service.CyclePortAndEnterFirehose", ctx.Err())
	}
	if err := s.open(ctx); err != nil {
		return ferrors.Transport("service.CyclePortAndEnterFirehose", fmt.Errorf("reopening port after cycle: %w", err))
	}
	return s.enterFirehoseMode(ctx)
}

// ConnectFirehoseDirect skips Sahara entirely — for devices that boot
// straight into a resident Firehose-speaking loader (e.g. preloaded
// EDL mode).
func (s *Service) ConnectFirehoseDirect(ctx context.Context) error {
	return s.enterFirehoseMode(ctx)
}

func (s *Service) enterFirehoseMode(ctx context.Context) error {
	s.firehose = firehose.New(s.t, s.bus)
	if err := s.firehose.Configure(ctx, s.storageType, s.maxPayloadSize, false); err != nil {
		s.setState(events.StateError)
		return err
	}
	s.setState(events.StateFirehoseMode)

	if s.authStrategy != nil {
		if err := auth.Authenticate(ctx, *s.authStrategy, s.firehose); err != nil {
			// Authentication failure is not fatal to entering Ready —
			// some operations may simply be restricted afterward.
			if s.bus != nil {
				s.bus.PublishLog(fmt.Sprintf("authentication failed: %v", err))
			}
		}
	}

	s.setState(events.StateReady)
	return nil
}

// Disconnect tears down both protocol clients and returns to
// Disconnected. It does not close the transport — the caller owns
// that lifetime.
func (s *Service) Disconnect() {
	s.sahara = nil
	s.firehose = nil
	s.identity = nil
	s.setState(events.StateDisconnected)
}

// ReadChipIdentity switches the Sahara session to Command mode (sending
// SwitchMode on every call) and reads serial number, MSM HW ID, OEM PK
// hash, and SBL version.
func (s *Service) ReadChipIdentity(ctx context.Context) (*model.QualcommChipIdentity, error) {
	if s.sahara == nil {
		return nil, ferrors.Protocol("service.ReadChipIdentity", fmt.Errorf("not connected via Sahara"))
	}
	if err := s.sahara.EnterCommandMode(ctx); err != nil {
		return nil, err
	}
	id, err := s.sahara.ReadChipIdentity()
	if err != nil {
		return nil, err
	}
	s.identity = id
	return id, nil
}

func (s *Service) requireFirehose(op string) error {
	if s.state != events.StateFirehoseMode && s.state != events.StateReady {
		return ferrors.Protocol(op, fmt.Errorf("not in Firehose mode"))
	}
	if s.firehose == nil {
		return ferrors.Protocol(op, fmt.Errorf("firehose client not initialized"))
	}
	return nil
}

// ReadPartitions returns the GPT partition table for lun.
func (s *Service) ReadPartitions(ctx context.Context, lun uint32) ([]model.PartitionInfo, error) {
	if err := s.requireFirehose("service.ReadPartitions"); err != nil {
		return nil, err
	}
	return s.firehose.ReadGPTPartitions(ctx, lun)
}

// ReadPartition streams one partition's contents.
func (s *Service) ReadPartition(ctx context.Context, name string, lun uint32, progress firehose.ProgressFunc) ([]byte, error) {
	if err := s.requireFirehose("service.ReadPartition"); err != nil {
		return nil, err
	}
	return s.firehose.ReadPartition(ctx, name, lun, progress)
}

// WritePartition writes data to a named partition.
func (s *Service) WritePartition(ctx context.Context, name string, data []byte, lun uint32, progress firehose.ProgressFunc) error {
	if err := s.requireFirehose("service.WritePartition"); err != nil {
		return err
	}
	return s.firehose.WritePartition(ctx, name, data, lun, progress)
}

// ErasePartition zeroes a named partition's sector range.
func (s *Service) ErasePartition(ctx context.Context, name string, lun uint32) error {
	if err := s.requireFirehose("service.ErasePartition"); err != nil {
		return err
	}
	return s.firehose.ErasePartition(ctx, name, lun)
}

// Reboot resets the device, preferring Firehose if available and
// falling back to a raw Sahara reset.
func (s *Service) Reboot(ctx context.Context) error {
	if s.firehose != nil {
		return s.firehose.Reset(ctx)
	}
	if s.sahara != nil {
		return s.sahara.Reset()
	}
	return ferrors.Protocol("service.Reboot", fmt.Errorf("not connected"))
}

// PowerOff powers down the device via Firehose.
func (s *Service) PowerOff(ctx context.Context) error {
	if err := s.requireFirehose("service.PowerOff"); err != nil {
		return err
	}
	return s.firehose.PowerOff(ctx)
}

// SetActiveSlot switches the A/B boot slot via Firehose.
func (s *Service) SetActiveSlot(ctx context.Context, slot string) error {
	if err := s.requireFirehose("service.SetActiveSlot"); err != nil {
		return err
	}
	return s.firehose.SetActiveSlot(ctx, slot)
}
