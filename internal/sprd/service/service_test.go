package service

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/hdlc"
	"flashengine/internal/transport/faketransport"
)

const (
	repAck  uint16 = 0x80
	repData uint16 = 0x85
)

func ackFrame() []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, repAck)
	return hdlc.Encode(payload)
}

func TestFullSessionConnectLoadFdl1Fdl2AndFlash(t *testing.T) {
	f := faketransport.New()
	// ConnectDevice.
	f.Feed(ackFrame())
	// LoadFDL1: download(start, midst, end) + exec + reconnect.
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	// LoadFDL2: download(start, midst, end) + exec.
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	// FlashPac: one WritePartition(start, midst, end).
	f.Feed(ackFrame())
	f.Feed(ackFrame())
	f.Feed(ackFrame())

	s := New(f, nil)
	s.reconnectDelay = time.Millisecond
	ctx := context.Background()

	if err := s.ConnectDevice(ctx); err != nil {
		t.Fatalf("ConnectDevice error: %v", err)
	}
	if s.CurrentStage() != StageBootROM {
		t.Fatalf("stage = %v, want StageBootROM", s.CurrentStage())
	}

	if err := s.LoadFDL1(ctx, []byte("fdl1-bytes"), 0x5000, nil); err != nil {
		t.Fatalf("LoadFDL1 error: %v", err)
	}
	if s.State() != events.StateFdl1Loaded {
		t.Fatalf("state = %v, want Fdl1Loaded", s.State())
	}

	if err := s.LoadFDL2(ctx, []byte("fdl2-bytes"), 0x9000, nil); err != nil {
		t.Fatalf("LoadFDL2 error: %v", err)
	}
	if s.State() != events.StateReady {
		t.Fatalf("state = %v, want Ready", s.State())
	}

	entries := []PacEntry{{Partition: "boot_a", Data: []byte("boot-image-bytes")}}
	if err := s.FlashPac(ctx, entries, nil); err != nil {
		t.Fatalf("FlashPac error: %v", err)
	}
}

func TestLoadFDL1RejectedBeforeConnect(t *testing.T) {
	f := faketransport.New()
	s := New(f, nil)
	if err := s.LoadFDL1(context.Background(), []byte("x"), 0x1000, nil); err == nil {
		t.Fatalf("expected error before ConnectDevice")
	}
}

func TestFlashPacRejectedBeforeFDL2(t *testing.T) {
	f := faketransport.New()
	s := New(f, nil)
	if err := s.FlashPac(context.Background(), []PacEntry{{Partition: "boot_a", Data: []byte("x")}}, nil); err == nil {
		t.Fatalf("expected error before FDL2 is loaded")
	}
}
