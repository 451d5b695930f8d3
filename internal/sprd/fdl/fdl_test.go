package fdl

import (
	"encoding/binary"
	"testing"

	"flashengine/internal/hdlc"
	"flashengine/internal/transport/faketransport"
)

func ackFrame() []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, repAck)
	return hdlc.Encode(payload)
}

func dataFrame(body []byte) []byte {
	payload := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(payload[0:2], repData)
	copy(payload[2:], body)
	return hdlc.Encode(payload)
}

func TestConnectSucceedsOnAck(t *testing.T) {
	f := faketransport.New()
	f.Feed(ackFrame())
	c := New(f, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
}

func TestConnectFailsOnNonAck(t *testing.T) {
	f := faketransport.New()
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, repInvalidCmd)
	f.Feed(hdlc.Encode(payload))
	c := New(f, nil)
	if err := c.Connect(); err == nil {
		t.Fatalf("expected error for non-ACK response")
	}
}

func TestDownloadChunksAndAcksEachStage(t *testing.T) {
	f := faketransport.New()
	f.Feed(ackFrame()) // start
	f.Feed(ackFrame()) // midst (single chunk, data small)
	f.Feed(ackFrame()) // end

	c := New(f, nil)
	data := []byte("fdl2-payload")
	if err := c.Download(data, 0x5000, nil); err != nil {
		t.Fatalf("Download error: %v", err)
	}
}

func TestReadPartitionUsesLittleEndianOffsetAndSize(t *testing.T) {
	f := faketransport.New()
	f.Feed(ackFrame()) // read_start ack

	payload := make([]byte, 16)
	f.Feed(dataFrame(payload))
	f.Feed(ackFrame()) // read_end ack

	c := New(f, nil)
	got, err := c.ReadPartition("boot_a", 0x1000, 16, nil)
	if err != nil {
		t.Fatalf("ReadPartition error: %v", err)
	}
	if len(got) != 16 {
		t.Fatalf("got %d bytes, want 16", len(got))
	}

	writes := f.Writes()
	if len(writes) < 1 {
		t.Fatalf("expected at least one write")
	}
	startFrame, err := hdlc.Decode(writes[0])
	if err != nil {
		t.Fatalf("decoding start frame: %v", err)
	}
	// payload: 2-byte cmd + 72-byte name + 8-byte offset (LE) + 8-byte size (LE)
	offset := binary.LittleEndian.Uint64(startFrame[2+72 : 2+72+8])
	size := binary.LittleEndian.Uint64(startFrame[2+72+8 : 2+72+16])
	if offset != 0x1000 || size != 16 {
		t.Fatalf("offset/size = %d/%d, want little-endian 0x1000/16", offset, size)
	}
}

func TestReadPartitionListParsesFixedWidthEntries(t *testing.T) {
	f := faketransport.New()
	entry := make([]byte, partitionEntrySize)
	copy(entry, "boot_a")
	binary.BigEndian.PutUint64(entry[72:80], 0x4000)
	binary.BigEndian.PutUint64(entry[80:88], 0x100000)
	f.Feed(dataFrame(entry))

	c := New(f, nil)
	parts, err := c.ReadPartitionList()
	if err != nil {
		t.Fatalf("ReadPartitionList error: %v", err)
	}
	if len(parts) != 1 || parts[0].Name != "boot_a" || parts[0].Offset != 0x4000 || parts[0].Size != 0x100000 {
		t.Fatalf("unexpected partitions: %+v", parts)
	}
}
