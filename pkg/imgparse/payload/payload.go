// Package payload parses Android's OTA payload.bin: a "CrAU"-framed
// manifest (protobuf) followed by data blobs, per spec.md §3
// PayloadManifest and §4.12. Field numbers are decoded directly with
// google.golang.org/protobuf/encoding/protowire instead of generated
// message code, since the manifest schema is fully pinned by spec.md
// §3 and the teacher's go.mod already carries google.golang.org/protobuf
// for exactly this kind of low-level wire access.
package payload

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"flashengine/internal/ferrors"
)

const magic = "CrAU"

// OperationType enumerates InstallOperation.type values, spec.md §3.
type OperationType int

const (
	OpReplace OperationType = iota
	OpReplaceBz
	OpMove
	OpBsdiff
	OpSourceCopy
	OpSourceBsdiff
	OpZero
	OpDiscard
	OpReplaceXz
	OpPuffdiff
	OpBrotli
	OpZucchini
	OpLZ4diff
)

// unsupportedSourceDelta operations need a source partition and/or a
// non-trivial decoder the first implementation does not carry; they
// are detected, logged, and skipped per spec.md §4.12/§9.
var unsupportedSourceDelta = map[OperationType]bool{
	OpMove:         true,
	OpBsdiff:       true,
	OpSourceCopy:   true,
	OpSourceBsdiff: true,
	OpPuffdiff:     true,
	OpBrotli:       true,
	OpZucchini:     true,
	OpLZ4diff:      true,
}

// Extent is one {start_block, num_blocks} region.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// InstallOperation is one manifest operation against one partition.
type InstallOperation struct {
	Type       OperationType
	DataOffset uint64
	DataLength uint64
	SrcExtents []Extent
	DstExtents []Extent
	DataSHA256 []byte
	SrcSHA256  []byte
}

// PartitionUpdate is one partition's full operation list.
type PartitionUpdate struct {
	Name            string
	Operations      []InstallOperation
	NewPartitionSize uint64
}

// Manifest is the decoded protobuf manifest body (spec.md §3 fields
// used: block_size=3, partitions=13).
type Manifest struct {
	BlockSize  uint32
	Partitions []PartitionUpdate
}

// Payload is the outer CrAU-framed container.
type Payload struct {
	Version        uint64
	Manifest       Manifest
	ManifestRaw    []byte
	MetadataSig    []byte
	DataBlobOffset int // offset of the data-blob region within the original buffer
}

// ParseHeader decodes the outer "CrAU" framing and the manifest, but
// does not touch the data-blob region — callers read data by
// (DataBlobOffset + operation.DataOffset, operation.DataLength).
func ParseHeader(raw []byte) (*Payload, error) {
	if len(raw) < 4 || string(raw[0:4]) != magic {
		return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("bad magic: want %q", magic))
	}
	pos := 4
	if len(raw) < pos+8 {
		return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("truncated version field"))
	}
	version := binary.BigEndian.Uint64(raw[pos:])
	pos += 8

	if len(raw) < pos+8 {
		return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("truncated manifest_size field"))
	}
	manifestSize := binary.BigEndian.Uint64(raw[pos:])
	pos += 8

	var metadataSigSize uint32
	if version >= 2 {
		if len(raw) < pos+4 {
			return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("truncated metadata_signature_size field"))
		}
		metadataSigSize = binary.BigEndian.Uint32(raw[pos:])
		pos += 4
	}

	if len(raw) < pos+int(manifestSize) {
		return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("truncated manifest body"))
	}
	manifestRaw := raw[pos : pos+int(manifestSize)]
	pos += int(manifestSize)

	var metadataSig []byte
	if metadataSigSize > 0 {
		if len(raw) < pos+int(metadataSigSize) {
			return nil, ferrors.Parse("payload.ParseHeader", fmt.Errorf("truncated metadata signature"))
		}
		metadataSig = raw[pos : pos+int(metadataSigSize)]
		pos += int(metadataSigSize)
	}

	manifest, err := parseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Version:        version,
		Manifest:       *manifest,
		ManifestRaw:    manifestRaw,
		MetadataSig:    metadataSig,
		DataBlobOffset: pos,
	}, nil
}

func parseManifest(b []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ferrors.Parse("payload.parseManifest", fmt.Errorf("bad tag"))
		}
		b = b[n:]
		switch {
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseManifest", fmt.Errorf("bad block_size varint"))
			}
			m.BlockSize = uint32(v)
			b = b[n:]
		case num == 13 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseManifest", fmt.Errorf("bad partitions field"))
			}
			pu, err := parsePartitionUpdate(v)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, *pu)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseManifest", fmt.Errorf("bad field %d", num))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func parsePartitionUpdate(b []byte) (*PartitionUpdate, error) {
	pu := &PartitionUpdate{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ferrors.Parse("payload.parsePartitionUpdate", fmt.Errorf("bad tag"))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parsePartitionUpdate", fmt.Errorf("bad name field"))
			}
			pu.Name = string(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parsePartitionUpdate", fmt.Errorf("bad operations field"))
			}
			op, err := parseInstallOperation(v)
			if err != nil {
				return nil, err
			}
			pu.Operations = append(pu.Operations, *op)
			b = b[n:]
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parsePartitionUpdate", fmt.Errorf("bad new_partition_info field"))
			}
			size, err := parsePartitionInfoSize(v)
			if err != nil {
				return nil, err
			}
			pu.NewPartitionSize = size
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parsePartitionUpdate", fmt.Errorf("bad field %d", num))
			}
			b = b[n:]
		}
	}
	return pu, nil
}

// parsePartitionInfoSize extracts just the size field (field 1) from a
// PartitionInfo submessage; the hash field is not needed by extraction.
func parsePartitionInfoSize(b []byte) (uint64, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, ferrors.Parse("payload.parsePartitionInfoSize", fmt.Errorf("bad tag"))
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, ferrors.Parse("payload.parsePartitionInfoSize", fmt.Errorf("bad size varint"))
			}
			return v, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, ferrors.Parse("payload.parsePartitionInfoSize", fmt.Errorf("bad field %d", num))
		}
		b = b[n:]
	}
	return 0, nil
}

func parseInstallOperation(b []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad tag"))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad type varint"))
			}
			op.Type = OperationType(v)
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad data_offset varint"))
			}
			op.DataOffset = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad data_length varint"))
			}
			op.DataLength = v
			b = b[n:]
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad src_extents field"))
			}
			ext, err := parseExtent(v)
			if err != nil {
				return nil, err
			}
			op.SrcExtents = append(op.SrcExtents, *ext)
			b = b[n:]
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad dst_extents field"))
			}
			ext, err := parseExtent(v)
			if err != nil {
				return nil, err
			}
			op.DstExtents = append(op.DstExtents, *ext)
			b = b[n:]
		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad data_sha256 field"))
			}
			op.DataSHA256 = append([]byte(nil), v...)
			b = b[n:]
		case num == 10 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad src_sha256 field"))
			}
			op.SrcSHA256 = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseInstallOperation", fmt.Errorf("bad field %d", num))
			}
			b = b[n:]
		}
	}
	return op, nil
}

func parseExtent(b []byte) (*Extent, error) {
	e := &Extent{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ferrors.Parse("payload.parseExtent", fmt.Errorf("bad tag"))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseExtent", fmt.Errorf("bad start_block varint"))
			}
			e.StartBlock = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseExtent", fmt.Errorf("bad num_blocks varint"))
			}
			e.NumBlocks = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ferrors.Parse("payload.parseExtent", fmt.Errorf("bad field %d", num))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// IsUnsupported reports whether op requires a source partition/decoder
// this implementation does not carry (spec.md §4.12/§9): the caller
// should log and skip, not abort extraction of the remaining
// partitions.
func (op InstallOperation) IsUnsupported() bool {
	return unsupportedSourceDelta[op.Type]
}
