package firehose

import (
	"context"
	"strings"
	"testing"

	"flashengine/internal/transport/faketransport"
	"flashengine/pkg/imgparse/gpt"
)

func TestConfigureAcceptsFirstOffer(t *testing.T) {
	f := faketransport.New()
	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		if strings.Contains(string(data), "<configure") {
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		}
	}

	c := New(f, nil)
	if err := c.Configure(context.Background(), StorageUFS, 1048576, false); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if c.MaxPayloadSize() != 1048576 {
		t.Fatalf("MaxPayloadSize = %d, want 1048576", c.MaxPayloadSize())
	}
}

func TestConfigureRetriesWithCounterOffer(t *testing.T) {
	f := faketransport.New()
	attempt := 0
	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		if !strings.Contains(string(data), "<configure") {
			return
		}
		attempt++
		if attempt == 1 {
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="NAK" MaxPayloadSizeToTargetInBytes="65536" /></data>`))
		} else {
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		}
	}

	c := New(f, nil)
	if err := c.Configure(context.Background(), StorageUFS, 1048576, false); err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("expected 2 configure attempts, got %d", attempt)
	}
	if c.MaxPayloadSize() != 65536 {
		t.Fatalf("MaxPayloadSize = %d, want counter-offered 65536", c.MaxPayloadSize())
	}
}

func TestReadGPTPartitionsParsesGptAndStampsLun(t *testing.T) {
	f := faketransport.New()
	gptImage := gpt.Build(512, []gpt.BuildInput{
		{Name: "boot_a", StartSector: 34, NumSectors: 100, TypeGUID: [16]byte{1}},
	})
	// Pad to exactly the 64-sector (512-byte sector) read request size.
	const wantBytes = 64 * 512
	gptData := make([]byte, wantBytes)
	copy(gptData, gptImage)

	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		if strings.Contains(string(data), "<read") {
			fk.Feed(gptData)
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		}
	}

	c := New(f, nil)
	c.sectorSize = 512 // eMMC-style sector size, avoiding the 512/4096 ambiguity for this fixture's tiny disk size
	partitions, err := c.ReadGPTPartitions(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadGPTPartitions error: %v", err)
	}
	if len(partitions) != 1 || partitions[0].Name != "boot_a" {
		t.Fatalf("unexpected partitions: %+v", partitions)
	}
	if partitions[0].Lun != 0 {
		t.Fatalf("Lun = %d, want 0", partitions[0].Lun)
	}
}

func TestSendRawXMLReturnsParsedResponse(t *testing.T) {
	f := faketransport.New()
	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /><log value="hello" /></data>`))
	}
	c := New(f, nil)
	resp, err := c.SendRawXML(context.Background(), `<?xml version="1.0" ?><data><nop /></data>`)
	if err != nil {
		t.Fatalf("SendRawXML error: %v", err)
	}
	if !resp.Success || resp.LogMessage != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPingFailsWhenNotAcknowledged(t *testing.T) {
	f := faketransport.New()
	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="NAK" /></data>`))
	}
	c := New(f, nil)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for NAK'd ping")
	}
}
