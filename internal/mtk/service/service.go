// Package service orchestrates a MediaTek session end to end: boot ROM
// handshake and identity read, DA1 upload and jump, protocol
// negotiation with the running DA1 (it sniffs whether the handed-off
// DA2 speaks XFlash's binary envelope or XML DA V6), DA2 upload, and
// partition I/O through whichever client negotiation selected.
// Grounded on mediatek_service.h/.cpp's connectDevice/detectAndLoadDa/
// negotiateProtocol/handleSecureBoot flow, generalized from Qt
// signals/slots to this tree's events.Bus the same way
// qualcomm/service does for Sahara/Firehose.
package service

import (
	"context"
	"fmt"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/model"
	"flashengine/internal/mtk/brom"
	"flashengine/internal/mtk/da"
	"flashengine/internal/mtk/xflash"
	"flashengine/internal/mtk/xmlda"
	"flashengine/internal/transport"
	"flashengine/internal/watchdog"
)

const (
	handshakeTimeout = 3 * time.Second
	bulkTimeout      = 60 * time.Second
)

// Protocol identifies which DA2 wire format negotiation selected.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolXFlash
	ProtocolXMLDA
)

const (
	daSyncByte byte = 0xC0
	daAckByte  byte = 0x69

	syncTimeout = 5 * time.Second
)

// Service drives one MediaTek device session over a single Transport.
type Service struct {
	t   transport.Transport
	bus *events.Bus

	brom  *brom.Client
	xf    *xflash.Client
	xda   *xmlda.Client

	state    events.State
	protocol Protocol
	identity *model.MtkChipIdentity
	wd       *watchdog.Watchdog
}

// New creates a Service bound to t.
func New(t transport.Transport, bus *events.Bus) *Service {
	return &Service{t: t, bus: bus, state: events.StateDisconnected}
}

// SetWatchdog installs a per-operation deadline monitor enforced
// around Connect and UploadDA2. Pass nil to disable it.
func (s *Service) SetWatchdog(wd *watchdog.Watchdog) { s.wd = wd }

func (s *Service) setState(st events.State) {
	s.state = st
	if s.bus != nil {
		s.bus.PublishState(st)
	}
}

// State returns the orchestrator's current FSM state.
func (s *Service) State() events.State { return s.state }

// Protocol returns which DA2 wire format negotiation selected, or
// ProtocolUnknown before NegotiateProtocol has run.
func (s *Service) Protocol() Protocol { return s.protocol }

// DeviceIdentity returns the chip identity read during the boot ROM
// handshake, or nil if Connect has not run.
func (s *Service) DeviceIdentity() *model.MtkChipIdentity { return s.identity }

// Connect performs the boot ROM handshake, reads chip identity, and
// uploads+jumps to DA1 selected from daFile for the connected chip.
func (s *Service) Connect(ctx context.Context, daFile *da.File) error {
	s.setState(events.StateConnecting)
	s.brom = brom.New(s.t, s.bus)

	if s.wd != nil {
		s.wd.Start("mtk connect", handshakeTimeout)
		defer s.wd.Stop()
	}

	if err := s.brom.Handshake(ctx); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("boot rom handshake: %w", err))
	}

	id, err := s.brom.GetDeviceInfo(ctx)
	if err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("reading device info: %w", err))
	}
	s.identity = id

	da1, ok := daFile.FindDA1(id.HwCode)
	if !ok {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("no DA1 entry for hw_code 0x%04x", id.HwCode))
	}
	body, _ := daFile.Payload(da1)
	if err := s.brom.SendData(ctx, body, da1.LoadAddr); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("uploading DA1: %w", err))
	}
	if err := s.brom.JumpDA(ctx, da1.EntryAddr); err != nil {
		s.setState(events.StateError)
		return ferrors.Protocol("service.Connect", fmt.Errorf("jumping to DA1: %w", err))
	}
	s.setState(events.StateDa1Loaded)
	return nil
}

// NegotiateProtocol completes DA1's handshake (sync/ack) and sniffs
// whether the now-running DA1 hands off to an XFlash-framed or an XML
// DA V6 DA2, instantiating the matching client.
func (s *Service) NegotiateProtocol(ctx context.Context) error {
	sync, err := s.t.ReadExact(1, syncTimeout)
	if err != nil {
		s.setState(events.StateError)
		return ferrors.Transport("service.NegotiateProtocol", fmt.Errorf("reading DA sync byte: %w", err))
	}
	if sync[0] != daSyncByte {
		s.setState(events.StateError)
		return ferrors.Protocol("service.NegotiateProtocol", fmt.Errorf("unexpected DA sync byte 0x%02x, want 0x%02x", sync[0], daSyncByte))
	}
	if _, err := s.t.Write([]byte{daAckByte}); err != nil {
		s.setState(events.StateError)
		return ferrors.Transport("service.NegotiateProtocol", err)
	}

	peek, err := s.t.ReadExact(4, syncTimeout)
	if err != nil {
		s.setState(events.StateError)
		return ferrors.Transport("service.NegotiateProtocol", fmt.Errorf("reading DA init data: %w", err))
	}
	if peek[0] == '<' {
		s.protocol = ProtocolXMLDA
		s.xda = xmlda.New(s.t, s.bus)
	} else {
		s.protocol = ProtocolXFlash
		s.xf = xflash.New(s.t, s.bus)
	}
	return nil
}

// UploadDA2 sends da2 to the device using whichever protocol
// NegotiateProtocol selected. XFlash reuses the boot ROM's
// SendData/JumpDA pair (DA1 still owns that path); XML DA V6 uses its
// own BOOT-TO command, which jumps DA2 itself.
func (s *Service) UploadDA2(ctx context.Context, daFile *da.File, progress func(done, total int64)) error {
	if s.identity == nil {
		return ferrors.Protocol("service.UploadDA2", fmt.Errorf("device identity not known; call Connect first"))
	}
	da2, ok := daFile.FindDA2(s.identity.HwCode)
	if !ok {
		s.setState(events.StateError)
		return ferrors.Protocol("service.UploadDA2", fmt.Errorf("no DA2 entry for hw_code 0x%04x", s.identity.HwCode))
	}
	body, _ := daFile.Payload(da2)

	if s.wd != nil {
		s.wd.Start("mtk upload da2", bulkTimeout)
		defer s.wd.Stop()
		origProgress := progress
		progress = func(done, total int64) {
			s.wd.Feed()
			if origProgress != nil {
				origProgress(done, total)
			}
		}
	}

	switch s.protocol {
	case ProtocolXFlash:
		if err := s.brom.SendData(ctx, body, da2.LoadAddr); err != nil {
			s.setState(events.StateError)
			return ferrors.Protocol("service.UploadDA2", fmt.Errorf("uploading DA2: %w", err))
		}
		if err := s.brom.JumpDA(ctx, da2.EntryAddr); err != nil {
			s.setState(events.StateError)
			return ferrors.Protocol("service.UploadDA2", fmt.Errorf("jumping to DA2: %w", err))
		}
	case ProtocolXMLDA:
		if err := s.xda.NotifyInit(ctx, s.identity.HwCode); err != nil {
			s.setState(events.StateError)
			return err
		}
		if err := s.xda.UploadDa2(ctx, body, da2.LoadAddr, progress); err != nil {
			s.setState(events.StateError)
			return err
		}
	default:
		return ferrors.Protocol("service.UploadDA2", fmt.Errorf("protocol not negotiated"))
	}

	s.setState(events.StateDa2Loaded)
	s.setState(events.StateReady)
	return nil
}

func (s *Service) requireReady(op string) error {
	if s.state != events.StateReady {
		return ferrors.Protocol(op, fmt.Errorf("not in Ready state"))
	}
	return nil
}

// ReadPartition streams name's contents via whichever DA2 client is active.
func (s *Service) ReadPartition(ctx context.Context, name string, offset, size uint64, progress func(done, total int64)) ([]byte, error) {
	if err := s.requireReady("service.ReadPartition"); err != nil {
		return nil, err
	}
	if s.protocol == ProtocolXFlash {
		return s.xf.ReadPartition(ctx, name, offset, size, progress)
	}
	return s.xda.ReadPartition(ctx, name, offset, size, progress)
}

// WritePartition writes data to name via whichever DA2 client is active.
func (s *Service) WritePartition(ctx context.Context, name string, offset uint64, data []byte, progress func(done, total int64)) error {
	if err := s.requireReady("service.WritePartition"); err != nil {
		return err
	}
	if s.protocol == ProtocolXFlash {
		return s.xf.WritePartition(ctx, name, offset, data, progress)
	}
	return s.xda.WritePartition(ctx, name, offset, data, progress)
}

// ErasePartition zeroes name's [offset, offset+size) range.
func (s *Service) ErasePartition(ctx context.Context, name string, offset, size uint64) error {
	if err := s.requireReady("service.ErasePartition"); err != nil {
		return err
	}
	if s.protocol == ProtocolXFlash {
		return s.xf.ErasePartition(ctx, name, offset, size)
	}
	return s.xda.ErasePartition(ctx, name, offset, size)
}

// GetGpt reads the raw GPT image from the XFlash client. XML DA V6
// targets read the GPT as an ordinary partition instead (it has no
// dedicated get_gpt command), so callers on that protocol should use
// ReadPartition("EMMC_GPT"/"USER", ...) directly.
func (s *Service) GetGpt(ctx context.Context, slot uint32, sizeBytes int) ([]byte, error) {
	if err := s.requireReady("service.GetGpt"); err != nil {
		return nil, err
	}
	if s.protocol != ProtocolXFlash {
		return nil, ferrors.Protocol("service.GetGpt", fmt.Errorf("get_gpt is only available over XFlash; read the GPT partition directly on XML DA V6"))
	}
	return s.xf.GetGpt(ctx, slot, sizeBytes)
}

// Reboot resets the device via whichever DA2 client is active.
func (s *Service) Reboot(ctx context.Context) error {
	if err := s.requireReady("service.Reboot"); err != nil {
		return err
	}
	if s.protocol == ProtocolXFlash {
		return s.xf.Reboot(ctx)
	}
	return s.xda.Reboot(ctx)
}

// PowerOff powers the device off via whichever DA2 client is active.
func (s *Service) PowerOff(ctx context.Context) error {
	if err := s.requireReady("service.PowerOff"); err != nil {
		return err
	}
	if s.protocol == ProtocolXFlash {
		return s.xf.Shutdown(ctx)
	}
	return s.xda.Shutdown(ctx)
}
