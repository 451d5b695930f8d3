package sahara

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"flashengine/internal/transport/faketransport"
)

func TestHelloNegotiatesVersion(t *testing.T) {
	f := faketransport.New()
	hello := make([]byte, 48)
	binary.LittleEndian.PutUint32(hello[0:], cmdHello)
	binary.LittleEndian.PutUint32(hello[4:], 48)
	binary.LittleEndian.PutUint32(hello[8:], 2)  // version
	binary.LittleEndian.PutUint32(hello[12:], 1) // version_min
	f.Feed(hello)

	c := New(f, nil)
	version, err := c.Hello(context.Background(), modeImageTx)
	if err != nil {
		t.Fatalf("Hello error: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}

	writes := f.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writes))
	}
	resp := writes[0]
	if binary.LittleEndian.Uint32(resp[0:4]) != cmdHelloResponse {
		t.Fatalf("expected HelloResponse command id")
	}
	if binary.LittleEndian.Uint32(resp[20:24]) != modeImageTx {
		t.Fatalf("expected mode field echoed as modeImageTx")
	}
}

func TestHelloRejectsIncompatibleVersionRange(t *testing.T) {
	f := faketransport.New()
	hello := make([]byte, 48)
	binary.LittleEndian.PutUint32(hello[0:], cmdHello)
	binary.LittleEndian.PutUint32(hello[4:], 48)
	binary.LittleEndian.PutUint32(hello[8:], 1)  // version
	binary.LittleEndian.PutUint32(hello[12:], 99) // version_min far above supported max
	f.Feed(hello)

	c := New(f, nil)
	if _, err := c.Hello(context.Background(), modeImageTx); err == nil {
		t.Fatalf("expected error for incompatible version range")
	}
}

func TestUploadLoaderServesReadDataThenEnds(t *testing.T) {
	f := faketransport.New()
	loader := []byte("0123456789")

	readData := make([]byte, 24)
	binary.LittleEndian.PutUint32(readData[0:], cmdReadData)
	binary.LittleEndian.PutUint32(readData[4:], 24)
	binary.LittleEndian.PutUint32(readData[8:], 0)                  // offset
	binary.LittleEndian.PutUint32(readData[12:], uint32(len(loader))) // length
	f.Feed(readData)

	endTransfer := make([]byte, 16)
	binary.LittleEndian.PutUint32(endTransfer[0:], cmdEndImageTransfer)
	binary.LittleEndian.PutUint32(endTransfer[4:], 16)
	binary.LittleEndian.PutUint32(endTransfer[12:], 0) // status = success

	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		if len(data) == len(loader) {
			fk.Feed(endTransfer)
		}
	}

	c := New(f, nil)
	if err := c.UploadLoader(context.Background(), loader); err != nil {
		t.Fatalf("UploadLoader error: %v", err)
	}

	writes := f.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], loader) {
		t.Fatalf("expected loader bytes written verbatim, got %v", writes)
	}
}

func TestUploadLoaderRejectsOutOfBoundsReadData(t *testing.T) {
	f := faketransport.New()
	loader := []byte("short")

	readData := make([]byte, 24)
	binary.LittleEndian.PutUint32(readData[0:], cmdReadData)
	binary.LittleEndian.PutUint32(readData[4:], 24)
	binary.LittleEndian.PutUint32(readData[8:], 0)
	binary.LittleEndian.PutUint32(readData[12:], 1000) // far beyond loader length
	f.Feed(readData)

	c := New(f, nil)
	if err := c.UploadLoader(context.Background(), loader); err == nil {
		t.Fatalf("expected error for out-of-bounds ReadData request")
	}
}
