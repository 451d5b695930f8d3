package xmlda

import (
	"context"
	"testing"

	"flashengine/internal/transport/faketransport"
)

func okReply() []byte {
	doc := `<?xml version="1.0" encoding="utf-8"?><da><result>ok</result></da>`
	return envelope(dtCommand, []byte(doc))
}

func TestNotifyInitDetectsEnvelopeFraming(t *testing.T) {
	f := faketransport.New()
	f.Feed(okReply())

	c := New(f, nil)
	if err := c.NotifyInit(context.Background(), 0x0766); err != nil {
		t.Fatalf("NotifyInit error: %v", err)
	}
	if c.legacyFraming {
		t.Fatalf("expected envelope framing to be detected, got legacy")
	}
}

func TestNotifyInitDetectsLegacyFraming(t *testing.T) {
	f := faketransport.New()
	doc := `<?xml version="1.0" encoding="utf-8"?><da><result>ok</result></da>`
	f.Feed(legacyFrame([]byte(doc)))

	c := New(f, nil)
	if err := c.NotifyInit(context.Background(), 0x0766); err != nil {
		t.Fatalf("NotifyInit error: %v", err)
	}
	if !c.legacyFraming {
		t.Fatalf("expected legacy framing to be detected")
	}
}

func TestExchangeFailsOnErrorResult(t *testing.T) {
	f := faketransport.New()
	doc := `<?xml version="1.0" encoding="utf-8"?><da><result>fail</result><message>bad hw_code</message></da>`
	f.Feed(envelope(dtCommand, []byte(doc)))

	c := New(f, nil)
	if err := c.NotifyInit(context.Background(), 0x0766); err == nil {
		t.Fatalf("expected error for fail result")
	}
}

func TestWritePartitionStreamsAndConfirms(t *testing.T) {
	f := faketransport.New()
	f.Feed(okReply())

	c := New(f, nil)
	data := make([]byte, BinaryBlockSize+10)
	if err := c.WritePartition(context.Background(), "boot_a", 0, data, nil); err != nil {
		t.Fatalf("WritePartition error: %v", err)
	}
	writes := f.Writes()
	// xml command + 2 binary blocks = 3 writes.
	if len(writes) != 3 {
		t.Fatalf("got %d writes, want 3", len(writes))
	}
}

func TestReadPartitionAccumulatesAcrossBlocks(t *testing.T) {
	f := faketransport.New()
	size := BinaryBlockSize + 50
	f.Feed(envelope(dtData, make([]byte, BinaryBlockSize)))
	f.Feed(envelope(dtData, make([]byte, 50)))

	c := New(f, nil)
	got, err := c.ReadPartition(context.Background(), "boot_a", 0, uint64(size), nil)
	if err != nil {
		t.Fatalf("ReadPartition error: %v", err)
	}
	if len(got) != size {
		t.Fatalf("got %d bytes, want %d", len(got), size)
	}
}
