package xmlmanifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"flashengine/internal/qualcomm/firehose"
)

type fakeOrchestrator struct {
	written map[string][]byte
	erased  map[string]bool
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{written: map[string][]byte{}, erased: map[string]bool{}}
}

func (f *fakeOrchestrator) WritePartition(ctx context.Context, name string, data []byte, lun uint32, progress firehose.ProgressFunc) error {
	f.written[name] = append([]byte(nil), data...)
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return nil
}

func (f *fakeOrchestrator) ErasePartition(ctx context.Context, name string, lun uint32) error {
	f.erased[name] = true
	delete(f.written, name)
	return nil
}

func (f *fakeOrchestrator) ReadPartition(ctx context.Context, name string, lun uint32, progress firehose.ProgressFunc) ([]byte, error) {
	data, ok := f.written[name]
	if !ok {
		return nil, fmt.Errorf("no data written to %q", name)
	}
	return data, nil
}

func TestParseFlashfileXML(t *testing.T) {
	doc := []byte(`<flashfile>
		<step operation="flash" partition="boot" filename="boot.img"/>
		<step operation="erase" partition="userdata"/>
		<step operation="getsha256digest" partition="boot" SHA256="abc123"/>
		<step operation="unsupported" partition="modem"/>
	</flashfile>`)

	steps, err := ParseFlashfileXML(doc)
	if err != nil {
		t.Fatalf("ParseFlashfileXML error: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3 (unsupported op dropped)", len(steps))
	}
	if steps[0].Operation != OpFlash || steps[0].Filename != "boot.img" {
		t.Errorf("step 0 = %+v", steps[0])
	}
	if steps[1].Operation != OpErase || steps[1].Partition != "userdata" {
		t.Errorf("step 1 = %+v", steps[1])
	}
	if steps[2].Operation != OpGetSHA256Digest || steps[2].ExpectedSHA256 != "abc123" {
		t.Errorf("step 2 = %+v", steps[2])
	}
}

func TestRunFlashfileFlashEraseAndVerify(t *testing.T) {
	bootImg := []byte("boot-image-bytes")
	sum := sha256.Sum256(bootImg)
	digest := hex.EncodeToString(sum[:])

	steps := []FlashStep{
		{Operation: OpFlash, Partition: "boot", Filename: "boot.img"},
		{Operation: OpGetSHA256Digest, Partition: "boot", ExpectedSHA256: digest},
		{Operation: OpErase, Partition: "userdata"},
	}

	orch := newFakeOrchestrator()
	orch.written["userdata"] = []byte("stale")

	load := func(filename string) ([]byte, error) {
		if filename != "boot.img" {
			return nil, fmt.Errorf("unexpected file %q", filename)
		}
		return bootImg, nil
	}

	var progressed []string
	err := RunFlashfile(context.Background(), orch, 0, steps, load, func(step, total int, label string) {
		progressed = append(progressed, label)
	})
	if err != nil {
		t.Fatalf("RunFlashfile error: %v", err)
	}
	if string(orch.written["boot"]) != string(bootImg) {
		t.Errorf("boot partition not written correctly: %q", orch.written["boot"])
	}
	if !orch.erased["userdata"] {
		t.Errorf("expected userdata to be erased")
	}
	if len(progressed) != 3 {
		t.Fatalf("expected 3 progress callbacks, got %d", len(progressed))
	}
}

func TestRunFlashfileStopsOnDigestMismatch(t *testing.T) {
	steps := []FlashStep{
		{Operation: OpFlash, Partition: "boot", Filename: "boot.img"},
		{Operation: OpGetSHA256Digest, Partition: "boot", ExpectedSHA256: "0000000000000000000000000000000000000000000000000000000000000000"},
		{Operation: OpErase, Partition: "userdata"},
	}
	orch := newFakeOrchestrator()
	load := func(filename string) ([]byte, error) { return []byte("boot-image-bytes"), nil }

	err := RunFlashfile(context.Background(), orch, 0, steps, load, nil)
	if err == nil {
		t.Fatalf("expected digest mismatch error")
	}
	if orch.erased["userdata"] {
		t.Errorf("should not have reached the erase step after a digest mismatch")
	}
}

func TestRunFlashfileRequiresLoaderForFlash(t *testing.T) {
	steps := []FlashStep{{Operation: OpFlash, Partition: "boot", Filename: "boot.img"}}
	orch := newFakeOrchestrator()
	if err := RunFlashfile(context.Background(), orch, 0, steps, nil, nil); err == nil {
		t.Fatalf("expected error when no FileLoader is configured")
	}
}
