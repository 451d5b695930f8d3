package service

import (
	"context"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/qualcomm/auth"
	"flashengine/internal/qualcomm/firehose"
	"flashengine/internal/transport/faketransport"
	"flashengine/pkg/imgparse/gpt"
)

func feedHello(f *faketransport.Fake) {
	hello := make([]byte, 48)
	binary.LittleEndian.PutUint32(hello[0:], 0x01) // cmdHello
	binary.LittleEndian.PutUint32(hello[4:], 48)
	binary.LittleEndian.PutUint32(hello[8:], 2) // version
	binary.LittleEndian.PutUint32(hello[12:], 1) // version_min
	f.Feed(hello)
}

func TestFullSessionConnectUploadCycleAndReadPartitions(t *testing.T) {
	f := faketransport.New()
	feedHello(f)

	loader := []byte("0123456789")
	gptImage := gpt.Build(512, []gpt.BuildInput{
		{Name: "boot_a", StartSector: 34, NumSectors: 100, TypeGUID: [16]byte{1}},
	})
	gptData := make([]byte, 64*512)
	copy(gptData, gptImage)

	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		switch {
		case len(data) == len(loader):
			// The loader chunk Sahara's ReadData asked for; respond
			// with EndImageTransfer to finish the upload.
			end := make([]byte, 16)
			binary.LittleEndian.PutUint32(end[0:], 0x04) // cmdEndImageTransfer
			binary.LittleEndian.PutUint32(end[4:], 16)
			binary.LittleEndian.PutUint32(end[12:], 0)
			fk.Feed(end)
		case strings.Contains(string(data), "<configure"):
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		case strings.Contains(string(data), "<read"):
			fk.Feed(gptData)
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		}
	}

	s := New(f, nil, nil)
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if s.State() != events.StateSaharaMode {
		t.Fatalf("state = %v, want SaharaMode", s.State())
	}

	// Queue the ReadData request for the loader upload.
	readData := make([]byte, 24)
	binary.LittleEndian.PutUint32(readData[0:], 0x03) // cmdReadData
	binary.LittleEndian.PutUint32(readData[4:], 24)
	binary.LittleEndian.PutUint32(readData[8:], 0)
	binary.LittleEndian.PutUint32(readData[12:], uint32(len(loader)))
	f.Feed(readData)

	if err := s.UploadLoader(ctx, loader); err != nil {
		t.Fatalf("UploadLoader error: %v", err)
	}

	s.cycleDelay = time.Millisecond
	s.SetStorageType(firehose.StorageEMMC)
	if err := s.CyclePortAndEnterFirehose(ctx); err != nil {
		t.Fatalf("CyclePortAndEnterFirehose error: %v", err)
	}
	if s.State() != events.StateReady {
		t.Fatalf("state = %v, want Ready", s.State())
	}

	partitions, err := s.ReadPartitions(ctx, 0)
	if err != nil {
		t.Fatalf("ReadPartitions error: %v", err)
	}
	if len(partitions) != 1 || partitions[0].Name != "boot_a" {
		t.Fatalf("unexpected partitions: %+v", partitions)
	}
}

func TestUploadLoaderRejectedOutsideSaharaMode(t *testing.T) {
	f := faketransport.New()
	s := New(f, nil, nil)
	if err := s.UploadLoader(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error when not in Sahara mode")
	}
}

func TestReadPartitionsRejectedOutsideFirehoseMode(t *testing.T) {
	f := faketransport.New()
	s := New(f, nil, nil)
	if _, err := s.ReadPartitions(context.Background(), 0); err == nil {
		t.Fatalf("expected error when not in Firehose mode")
	}
}

func TestAuthenticationFailureDoesNotPreventReady(t *testing.T) {
	f := faketransport.New()
	f.OnWrite = func(fk *faketransport.Fake, data []byte) {
		switch {
		case strings.Contains(string(data), "<configure"):
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="ACK" /></data>`))
		case strings.Contains(string(data), "<sig"):
			fk.Feed([]byte(`<?xml version="1.0" ?><data><response value="NAK" /></data>`))
		}
	}
	s := New(f, nil, nil)
	strategy := auth.Strategy{Kind: auth.KindXiaomi, XiaomiSignature: []byte{0xAA}}
	s.SetAuthStrategy(&strategy)

	if err := s.ConnectFirehoseDirect(context.Background()); err != nil {
		t.Fatalf("ConnectFirehoseDirect error: %v", err)
	}
	if s.State() != events.StateReady {
		t.Fatalf("state = %v, want Ready even after failed auth", s.State())
	}
}
