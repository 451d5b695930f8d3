package service

import (
	"context"
	"encoding/binary"
	"testing"

	"flashengine/internal/events"
	"flashengine/internal/mtk/da"
	"flashengine/internal/transport/faketransport"
)

const (
	daFileHeaderSize  = 0x60
	daEntryHeaderSize = 0xDC
	daEntryNameSize   = 0x40
)

type rawDaEntry struct {
	name      string
	hwCode    uint16
	loadAddr  uint32
	entryAddr uint32
	isDA2     bool
	body      []byte
}

func buildDaFile(entries []rawDaEntry) []byte {
	dataStart := daFileHeaderSize + len(entries)*daEntryHeaderSize
	var data []byte
	offsets := make([]int, len(entries))
	for i, e := range entries {
		offsets[i] = len(data)
		data = append(data, e.body...)
	}

	header := make([]byte, daFileHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], da.Magic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(entries)))

	out := append([]byte(nil), header...)
	for i, e := range entries {
		entry := make([]byte, daEntryHeaderSize)
		copy(entry[:daEntryNameSize], e.name)
		binary.LittleEndian.PutUint16(entry[daEntryNameSize:], e.hwCode)
		binary.LittleEndian.PutUint32(entry[daEntryNameSize+8:], e.loadAddr)
		binary.LittleEndian.PutUint32(entry[daEntryNameSize+12:], uint32(len(e.body)))
		binary.LittleEndian.PutUint32(entry[daEntryNameSize+16:], uint32(dataStart+offsets[i]))
		binary.LittleEndian.PutUint32(entry[daEntryNameSize+24:], e.entryAddr)
		if e.isDA2 {
			binary.LittleEndian.PutUint32(entry[daEntryNameSize+28:], 1)
		}
		out = append(out, entry...)
	}
	out = append(out, data...)
	return out
}

func feedBromHandshakeAndIdentity(f *faketransport.Fake, hwCode uint16) {
	syncBytes := []byte{0xA0, 0x0A, 0x50, 0x05}
	for _, b := range syncBytes {
		f.Feed([]byte{^b})
	}
	// GetHwCode ack + payload.
	f.Feed([]byte{0xFD})
	hw := make([]byte, 4)
	binary.BigEndian.PutUint16(hw[0:2], hwCode)
	f.Feed(hw)
	// GetTargetConfig ack + payload.
	f.Feed([]byte{0xD8})
	f.Feed([]byte{0, 0, 0, 0})
	// GetMeID ack + length + payload.
	f.Feed([]byte{0xE1})
	meLen := make([]byte, 4)
	binary.BigEndian.PutUint32(meLen, 6)
	f.Feed(meLen)
	f.Feed([]byte{1, 2, 3, 4, 5, 6})
	// GetSocID ack + length + payload.
	f.Feed([]byte{0xE7})
	socLen := make([]byte, 4)
	binary.BigEndian.PutUint32(socLen, 4)
	f.Feed(socLen)
	f.Feed([]byte{9, 9, 9, 9})
}

func TestConnectAndNegotiateXFlashDA2(t *testing.T) {
	const hwCode = 0x0766
	daFile, err := da.Parse(buildDaFile([]rawDaEntry{
		{name: "DA1", hwCode: hwCode, loadAddr: 0x40000000, entryAddr: 0x40000000, body: []byte("da1-body")},
		{name: "DA2", hwCode: hwCode, loadAddr: 0x50000000, entryAddr: 0x50000000, isDA2: true, body: []byte("da2-body")},
	}))
	if err != nil {
		t.Fatalf("da.Parse error: %v", err)
	}

	f := faketransport.New()
	feedBromHandshakeAndIdentity(f, hwCode)
	// SendData(DA1) ack byte for command + checksum reply.
	f.Feed([]byte{0xD7})
	f.Feed([]byte{0, 0})
	// JumpDA(DA1) ack.
	f.Feed([]byte{0xD5})
	f.Feed([]byte{0x5A})

	s := New(f, nil)
	if err := s.Connect(context.Background(), daFile); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if s.State() != events.StateDa1Loaded {
		t.Fatalf("state = %v, want Da1Loaded", s.State())
	}
	if s.DeviceIdentity().HwCode != hwCode {
		t.Fatalf("hw_code = 0x%04x, want 0x%04x", s.DeviceIdentity().HwCode, hwCode)
	}

	// Negotiate: sync byte 0xC0, then peek 4 bytes that are NOT XML
	// (XFlash magic), which NegotiateProtocol consumes as its peek.
	f.Feed([]byte{0xC0})
	xflashMagic := make([]byte, 4)
	binary.LittleEndian.PutUint32(xflashMagic, 0xFEEEEEEF)
	f.Feed(xflashMagic)

	if err := s.NegotiateProtocol(context.Background()); err != nil {
		t.Fatalf("NegotiateProtocol error: %v", err)
	}
	if s.Protocol() != ProtocolXFlash {
		t.Fatalf("protocol = %v, want XFlash", s.Protocol())
	}

	// UploadDA2 over XFlash reuses brom SendData/JumpDA.
	f.Feed([]byte{0xD7})
	f.Feed([]byte{0, 0})
	f.Feed([]byte{0xD5})
	f.Feed([]byte{0x5A})

	if err := s.UploadDA2(context.Background(), daFile, nil); err != nil {
		t.Fatalf("UploadDA2 error: %v", err)
	}
	if s.State() != events.StateReady {
		t.Fatalf("state = %v, want Ready", s.State())
	}
}

func TestUploadDA2RejectedWithoutIdentity(t *testing.T) {
	daFile, _ := da.Parse(buildDaFile([]rawDaEntry{
		{name: "DA1", hwCode: 0x1, loadAddr: 0x1, entryAddr: 0x1, body: []byte("x")},
	}))
	f := faketransport.New()
	s := New(f, nil)
	if err := s.UploadDA2(context.Background(), daFile, nil); err == nil {
		t.Fatalf("expected error when device identity is unknown")
	}
}
