package xmlmanifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strings"

	"flashengine/internal/ferrors"
	"flashengine/internal/qualcomm/firehose"
)

// StepOperation identifies one Motorola flashfile.xml step's action,
// per spec.md §6's flashfile schema.
type StepOperation string

const (
	OpFlash           StepOperation = "flash"
	OpErase           StepOperation = "erase"
	OpGetSHA256Digest StepOperation = "getsha256digest"
)

// FlashStep is one step of a Motorola flashfile.xml manifest, restored
// from src/common/partition_info.h and src/qualcomm/parsers/
// motorola_support.h's MotoFlashEntry (dropped by the distillation,
// not excluded by any Non-goal — spec.md §3 names the type).
type FlashStep struct {
	Operation       StepOperation
	Partition       string
	Filename        string
	ExpectedSHA256  string
}

type flashfileXML struct {
	XMLName xml.Name      `xml:"flashfile"`
	Steps   []flashfileRow `xml:"step"`
}

type flashfileRow struct {
	Operation string `xml:"operation,attr"`
	Partition string `xml:"partition,attr"`
	Filename  string `xml:"filename,attr"`
	MD5       string `xml:"MD5,attr"`
	SHA256    string `xml:"SHA256,attr"`
}

// ParseFlashfileXML parses a Motorola flashfile.xml document into its
// ordered step list. Steps with an unrecognized operation attribute
// are dropped, mirroring motorola_support.cpp's
// "if (!entry.operation.isEmpty()) manifest.entries.append(entry)"
// guard against malformed <step/> elements.
func ParseFlashfileXML(data []byte) ([]FlashStep, error) {
	var doc flashfileXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.Parse("xmlmanifest.ParseFlashfileXML", err)
	}
	steps := make([]FlashStep, 0, len(doc.Steps))
	for _, row := range doc.Steps {
		op := StepOperation(strings.ToLower(row.Operation))
		switch op {
		case OpFlash, OpErase, OpGetSHA256Digest:
		default:
			continue
		}
		steps = append(steps, FlashStep{
			Operation:      op,
			Partition:      row.Partition,
			Filename:       row.Filename,
			ExpectedSHA256: row.SHA256,
		})
	}
	return steps, nil
}

// FlashOrchestrator is the minimal surface RunFlashfile drives,
// matching internal/qualcomm/service.Service's WritePartition/
// ErasePartition/ReadPartition signatures exactly — the one vendor
// stack Motorola packages actually target, per motorola_support.cpp
// living under src/qualcomm/parsers in the original source.
type FlashOrchestrator interface {
	WritePartition(ctx context.Context, name string, data []byte, lun uint32, progress firehose.ProgressFunc) error
	ErasePartition(ctx context.Context, name string, lun uint32) error
	ReadPartition(ctx context.Context, name string, lun uint32, progress firehose.ProgressFunc) ([]byte, error)
}

// FileLoader resolves a flashfile step's filename attribute to the
// firmware bytes it names, e.g. reading from the package directory the
// flashfile.xml itself was found in.
type FileLoader func(filename string) ([]byte, error)

// RunFlashfile executes steps in order against orchestrator on lun:
// flash steps load their image via load and write it, erase steps
// erase the named partition, and getsha256digest steps read the
// partition back and compare its digest against the step's expected
// value. It stops at the first failing step.
func RunFlashfile(ctx context.Context, orchestrator FlashOrchestrator, lun uint32, steps []FlashStep, load FileLoader, progress func(step int, total int, label string)) error {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("xmlmanifest.RunFlashfile", err)
		}
		if progress != nil {
			progress(i+1, len(steps), string(step.Operation)+" "+step.Partition)
		}
		switch step.Operation {
		case OpFlash:
			if load == nil {
				return ferrors.Resource("xmlmanifest.RunFlashfile", fmt.Errorf("step %d: no file loader configured for flash of %q", i, step.Filename))
			}
			data, err := load(step.Filename)
			if err != nil {
				return ferrors.Resource("xmlmanifest.RunFlashfile", fmt.Errorf("step %d: loading %q: %w", i, step.Filename, err))
			}
			if err := orchestrator.WritePartition(ctx, step.Partition, data, lun, nil); err != nil {
				return fmt.Errorf("xmlmanifest.RunFlashfile: step %d: flashing %q: %w", i, step.Partition, err)
			}
		case OpErase:
			if err := orchestrator.ErasePartition(ctx, step.Partition, lun); err != nil {
				return fmt.Errorf("xmlmanifest.RunFlashfile: step %d: erasing %q: %w", i, step.Partition, err)
			}
		case OpGetSHA256Digest:
			if err := verifyStepDigest(ctx, orchestrator, lun, step); err != nil {
				return err
			}
		default:
			return ferrors.Parse("xmlmanifest.RunFlashfile", fmt.Errorf("step %d: unknown operation %q", i, step.Operation))
		}
	}
	return nil
}

func verifyStepDigest(ctx context.Context, orchestrator FlashOrchestrator, lun uint32, step FlashStep) error {
	data, err := orchestrator.ReadPartition(ctx, step.Partition, lun, nil)
	if err != nil {
		return fmt.Errorf("xmlmanifest.RunFlashfile: reading %q for digest: %w", step.Partition, err)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if step.ExpectedSHA256 != "" && !strings.EqualFold(got, step.ExpectedSHA256) {
		return ferrors.Protocol("xmlmanifest.RunFlashfile", fmt.Errorf("%q digest mismatch: got %s, want %s", step.Partition, got, step.ExpectedSHA256))
	}
	return nil
}
