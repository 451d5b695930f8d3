package brom

import (
	"context"
	"encoding/binary"
	"testing"

	"flashengine/internal/transport/faketransport"
)

func feedHandshakeEchoes(f *faketransport.Fake) {
	for _, b := range syncBytes {
		f.Feed([]byte{^b})
	}
}

func TestHandshakeSucceedsOnComplementEcho(t *testing.T) {
	f := faketransport.New()
	feedHandshakeEchoes(f)
	c := New(f, nil)
	if err := c.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake error: %v", err)
	}
	if len(f.Writes()) != 4 {
		t.Fatalf("expected 4 sync bytes written, got %d", len(f.Writes()))
	}
}

func TestHandshakeFailsOnBadEcho(t *testing.T) {
	f := faketransport.New()
	f.Feed([]byte{0x00}) // wrong: not ^0xA0
	c := New(f, nil)
	if err := c.Handshake(context.Background()); err == nil {
		t.Fatalf("expected error for bad echo")
	}
}

func TestGetDeviceInfoParsesIdentity(t *testing.T) {
	f := faketransport.New()
	c := New(f, nil)

	f.Feed([]byte{cmdGetHwCode})
	hwCode := make([]byte, 4)
	binary.BigEndian.PutUint16(hwCode[0:2], 0x0766)
	binary.BigEndian.PutUint16(hwCode[2:4], 0xCA00)
	f.Feed(hwCode)

	f.Feed([]byte{cmdGetTargetConfig})
	cfg := make([]byte, 4)
	binary.BigEndian.PutUint32(cfg, 0x7) // SBC + SLA + DAA all set
	f.Feed(cfg)

	f.Feed([]byte{cmdGetMeID})
	meLen := make([]byte, 4)
	binary.BigEndian.PutUint32(meLen, 6)
	f.Feed(meLen)
	f.Feed([]byte{1, 2, 3, 4, 5, 6})

	f.Feed([]byte{cmdGetSocID})
	socLen := make([]byte, 4)
	binary.BigEndian.PutUint32(socLen, 4)
	f.Feed(socLen)
	f.Feed([]byte{0xAA, 0xBB, 0xCC, 0xDD})

	id, err := c.GetDeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("GetDeviceInfo error: %v", err)
	}
	if id.HwCode != 0x0766 || id.HwSubCode != 0xCA00 {
		t.Fatalf("unexpected hw code: %04x/%04x", id.HwCode, id.HwSubCode)
	}
	if !id.Target.SBC || !id.Target.SLAEnabled || !id.Target.DAAEnabled {
		t.Fatalf("unexpected target config: %+v", id.Target)
	}
	if id.MeID != [6]byte{1, 2, 3, 4, 5, 6} {
		t.Fatalf("unexpected ME ID: %v", id.MeID)
	}
}

func TestJumpDARequiresAck(t *testing.T) {
	f := faketransport.New()
	c := New(f, nil)
	f.Feed([]byte{cmdJumpDA})
	f.Feed([]byte{ackByte})
	if err := c.JumpDA(context.Background(), 0x40000000); err != nil {
		t.Fatalf("JumpDA error: %v", err)
	}
}
