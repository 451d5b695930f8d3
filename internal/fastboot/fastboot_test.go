package fastboot

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"flashengine/internal/transport/faketransport"
)

func TestConnectNegotiatesMaxDownloadSize(t *testing.T) {
	f := faketransport.New()
	f.Feed([]byte("OKAYtest-version"))
	f.Feed([]byte("OKAY0x10000000"))

	c := New(f, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if c.MaxDownloadSize() != 0x10000000 {
		t.Fatalf("MaxDownloadSize = %d, want %d", c.MaxDownloadSize(), 0x10000000)
	}
}

func TestGetVarReturnsFailAsError(t *testing.T) {
	f := faketransport.New()
	f.Feed([]byte("FAILunknown variable"))
	c := New(f, nil)
	if _, err := c.GetVar(context.Background(), "bogus"); err == nil {
		t.Fatalf("expected error for FAIL response")
	}
}

func TestDownloadAndFlashSmallImage(t *testing.T) {
	f := faketransport.New()
	data := []byte("boot-image-bytes")
	f.Feed([]byte(fmt.Sprintf("DATA%08x", len(data))))
	f.Feed([]byte("OKAY"))
	f.Feed([]byte("OKAY"))

	c := New(f, nil)
	if err := c.Flash(context.Background(), "boot_a", data, nil); err != nil {
		t.Fatalf("Flash error: %v", err)
	}
	writes := c.t.(*faketransport.Fake).Writes()
	if string(writes[0]) != fmt.Sprintf("download:%08x", len(data)) {
		t.Fatalf("unexpected download command: %q", writes[0])
	}
	if string(writes[2]) != "flash:boot_a" {
		t.Fatalf("unexpected flash command: %q", writes[2])
	}
}

func TestOemDrainsInfoLinesBeforeFinalResponse(t *testing.T) {
	f := faketransport.New()
	f.Feed([]byte("INFOerasing..."))
	f.Feed([]byte("INFOwriting..."))
	f.Feed([]byte("OKAYdone"))

	c := New(f, nil)
	msg, err := c.Oem(context.Background(), "unlock")
	if err != nil {
		t.Fatalf("Oem error: %v", err)
	}
	if msg != "done" {
		t.Fatalf("message = %q, want %q", msg, "done")
	}
}

// buildMultiChunkSparse hand-assembles a sparse image with n raw
// chunks of one block each, for exercising Flash's re-chunking path
// without depending on sparse package test internals.
func buildMultiChunkSparse(blockSize uint32, n int) []byte {
	const headerSize = 28
	const chunkHeaderSize = 12
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], 0xED26FF3A)
	binary.LittleEndian.PutUint16(buf[4:6], 1)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint16(buf[8:10], headerSize)
	binary.LittleEndian.PutUint16(buf[10:12], chunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[12:16], blockSize)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(n))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(n))

	for i := 0; i < n; i++ {
		chunk := make([]byte, chunkHeaderSize+int(blockSize))
		binary.LittleEndian.PutUint16(chunk[0:2], 0xCAC1) // ChunkRaw
		binary.LittleEndian.PutUint32(chunk[4:8], 1)
		binary.LittleEndian.PutUint32(chunk[8:12], uint32(chunkHeaderSize)+blockSize)
		buf = append(buf, chunk...)
	}
	return buf
}

func TestFlashReChunksOversizedSparseImage(t *testing.T) {
	f := faketransport.New()
	c := New(f, nil)
	c.maxDownloadSize = 1200 // forces 2 chunks (524B each) per part, 5 parts for 10 chunks

	img := buildMultiChunkSparse(512, 10)

	// Each of the 5 expected parts: DATA<size> + OKAY (upload) + OKAY (flash).
	for i := 0; i < 5; i++ {
		partSize := 28 + 2*(12+512) // header + 2 chunks
		f.Feed([]byte(fmt.Sprintf("DATA%08x", partSize)))
		f.Feed([]byte("OKAY"))
		f.Feed([]byte("OKAY"))
	}

	var calls []int
	if err := c.Flash(context.Background(), "super", img, func(chunk, total int) {
		calls = append(calls, chunk)
	}); err != nil {
		t.Fatalf("Flash error: %v", err)
	}
	if len(calls) != 5 {
		t.Fatalf("expected 5 progress callbacks, got %d", len(calls))
	}
}
