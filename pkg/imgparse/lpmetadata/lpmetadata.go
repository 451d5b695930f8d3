// Package lpmetadata parses Android's LP (logical partition) metadata
// from a super partition: the geometry header at offset 4096 (backup
// at 8192) followed by a versioned metadata header ("0PLA") and its
// partition/extent/group/block-device tables, per spec.md §3
// LpMetadata and §4.
package lpmetadata

import (
	"encoding/binary"
	"fmt"
	"strings"

	"flashengine/internal/ferrors"
)

const (
	geometryMagic       uint32 = 0x616c4467 // "gDla"
	headerMagic         uint32 = 0x414c5030 // "0PLA"
	geometryOffset             = 4096
	geometryBackupOffset       = 8192
	geometrySize               = 24
	headerBaseSize             = 72 // magic+major+minor+headerSize+headerChecksum+tablesSize+tablesChecksum+4*3 table descriptors
	partitionEntrySize         = 52
	partitionNameSize          = 36
	extentEntrySize            = 24
	groupEntrySize             = 48
)

// Geometry is the fixed-layout geometry header preceding the
// versioned metadata header.
type Geometry struct {
	Magic             uint32
	StructSize        uint32
	Checksum          uint32
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

// Extent is one physical region backing a logical partition.
type Extent struct {
	NumSectors     uint64
	TargetType     uint32 // 0 = linear, 1 = zero-fill
	PhysicalSector uint64
	TargetSource   uint32 // index into the block-device table
}

// PartitionGroup caps the combined size of its member partitions.
type PartitionGroup struct {
	Name    string
	Flags   uint32
	MaxSize uint64
}

// PartitionEntry is one logical partition, resolved against Extents
// to a concatenated {StartOffset, SizeBytes} physical region.
type PartitionEntry struct {
	Name             string
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	GroupIndex       uint32

	StartOffset uint64
	SizeBytes   uint64
	IsSlotted   bool
}

// Metadata is a fully parsed, slot-resolved LP metadata table.
type Metadata struct {
	Geometry   Geometry
	Partitions []PartitionEntry
	Groups     []PartitionGroup
	Extents    []Extent
	SlotNumber uint32
}

type header struct {
	magic          uint32
	majorVersion   uint16
	minorVersion   uint16
	headerSize     uint32
	headerChecksum uint32
	tablesSize     uint32
	tablesChecksum uint32

	partitionsOffset    uint32
	partitionsEntrySize uint32
	partitionsCount     uint32

	extentsOffset    uint32
	extentsEntrySize uint32
	extentsCount     uint32

	groupsOffset    uint32
	groupsEntrySize uint32
	groupsCount     uint32

	blockDevicesOffset    uint32
	blockDevicesEntrySize uint32
	blockDevicesCount     uint32
}

// ParseGeometry decodes the geometry header at the fixed primary
// offset. Returns a zero Geometry if the buffer is too short.
func ParseGeometry(data []byte) Geometry {
	if len(data) < geometryOffset+geometrySize {
		return Geometry{}
	}
	p := data[geometryOffset:]
	return Geometry{
		Magic:             binary.LittleEndian.Uint32(p[0:]),
		StructSize:        binary.LittleEndian.Uint32(p[4:]),
		Checksum:          binary.LittleEndian.Uint32(p[8:]),
		MetadataMaxSize:   binary.LittleEndian.Uint32(p[12:]),
		MetadataSlotCount: binary.LittleEndian.Uint32(p[16:]),
		LogicalBlockSize:  binary.LittleEndian.Uint32(p[20:]),
	}
}

// IsValid reports whether data's geometry header magic matches.
func IsValid(data []byte) bool {
	if len(data) < geometryOffset+geometrySize {
		return false
	}
	return binary.LittleEndian.Uint32(data[geometryOffset:]) == geometryMagic
}

func parseHeader(data []byte, offset uint32) (header, error) {
	var h header
	if uint32(len(data)) < offset+headerBaseSize {
		return h, ferrors.Parse("lpmetadata.parseHeader", fmt.Errorf("buffer too short for metadata header at offset %d", offset))
	}
	p := data[offset:]
	pos := 0
	read32 := func() uint32 {
		v := binary.LittleEndian.Uint32(p[pos:])
		pos += 4
		return v
	}
	read16 := func() uint16 {
		v := binary.LittleEndian.Uint16(p[pos:])
		pos += 2
		return v
	}

	h.magic = read32()
	h.majorVersion = read16()
	h.minorVersion = read16()
	h.headerSize = read32()
	h.headerChecksum = read32()
	h.tablesSize = read32()
	h.tablesChecksum = read32()

	h.partitionsOffset = read32()
	h.partitionsEntrySize = read32()
	h.partitionsCount = read32()

	h.extentsOffset = read32()
	h.extentsEntrySize = read32()
	h.extentsCount = read32()

	h.groupsOffset = read32()
	h.groupsEntrySize = read32()
	h.groupsCount = read32()

	h.blockDevicesOffset = read32()
	h.blockDevicesEntrySize = read32()
	h.blockDevicesCount = read32()

	return h, nil
}

func parsePartition(data []byte, offset uint32) PartitionEntry {
	var e PartitionEntry
	if uint32(len(data)) < offset+partitionEntrySize {
		return e
	}
	p := data[offset:]
	e.Name = trimmedCString(p[:partitionNameSize])
	e.Attributes = binary.LittleEndian.Uint32(p[36:])
	e.FirstExtentIndex = binary.LittleEndian.Uint32(p[40:])
	e.NumExtents = binary.LittleEndian.Uint32(p[44:])
	e.GroupIndex = binary.LittleEndian.Uint32(p[48:])
	e.IsSlotted = strings.HasSuffix(e.Name, "_a") || strings.HasSuffix(e.Name, "_b")
	return e
}

func parseExtent(data []byte, offset uint32) Extent {
	var ext Extent
	if uint32(len(data)) < offset+extentEntrySize {
		return ext
	}
	p := data[offset:]
	ext.NumSectors = binary.LittleEndian.Uint64(p[0:])
	ext.TargetType = binary.LittleEndian.Uint32(p[8:])
	ext.PhysicalSector = binary.LittleEndian.Uint64(p[12:])
	ext.TargetSource = binary.LittleEndian.Uint32(p[20:])
	return ext
}

func parseGroup(data []byte, offset uint32) PartitionGroup {
	var g PartitionGroup
	if uint32(len(data)) < offset+groupEntrySize {
		return g
	}
	p := data[offset:]
	g.Name = trimmedCString(p[:partitionNameSize])
	g.Flags = binary.LittleEndian.Uint32(p[36:])
	g.MaxSize = binary.LittleEndian.Uint64(p[40:])
	return g
}

func trimmedCString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// Parse decodes the full LP metadata for the given slot (0 = _a,
// 1 = _b) out of a super partition image, resolving each partition's
// extents into a concatenated physical {StartOffset, SizeBytes}.
func Parse(superData []byte, slot uint32) (*Metadata, error) {
	geo := ParseGeometry(superData)
	if geo.Magic != geometryMagic {
		return nil, ferrors.Parse("lpmetadata.Parse", fmt.Errorf("invalid LP metadata geometry magic"))
	}

	metadataOffset := uint32(geometryOffset + 2*4096)
	metadataOffset += slot * geo.MetadataMaxSize

	hdr, err := parseHeader(superData, metadataOffset)
	if err != nil {
		return nil, err
	}
	if hdr.magic != headerMagic {
		return nil, ferrors.Parse("lpmetadata.Parse", fmt.Errorf("invalid metadata header magic at offset %d", metadataOffset))
	}

	tablesBase := metadataOffset + hdr.headerSize

	m := &Metadata{Geometry: geo, SlotNumber: slot}

	for i := uint32(0); i < hdr.groupsCount; i++ {
		off := tablesBase + hdr.groupsOffset + i*hdr.groupsEntrySize
		m.Groups = append(m.Groups, parseGroup(superData, off))
	}

	for i := uint32(0); i < hdr.extentsCount; i++ {
		off := tablesBase + hdr.extentsOffset + i*hdr.extentsEntrySize
		m.Extents = append(m.Extents, parseExtent(superData, off))
	}

	for i := uint32(0); i < hdr.partitionsCount; i++ {
		off := tablesBase + hdr.partitionsOffset + i*hdr.partitionsEntrySize
		entry := parsePartition(superData, off)

		var totalSize uint64
		for e := uint32(0); e < entry.NumExtents; e++ {
			extIdx := entry.FirstExtentIndex + e
			if extIdx < uint32(len(m.Extents)) {
				ext := m.Extents[extIdx]
				totalSize += ext.NumSectors * 512
				if entry.StartOffset == 0 && e == 0 {
					entry.StartOffset = ext.PhysicalSector * 512
				}
			}
		}
		entry.SizeBytes = totalSize
		m.Partitions = append(m.Partitions, entry)
	}

	return m, nil
}

// SuperPartitionSize estimates the total super partition size implied
// by a geometry header.
func SuperPartitionSize(geo Geometry) uint64 {
	return uint64(geo.MetadataMaxSize)*uint64(geo.MetadataSlotCount)*2 + geometryOffset + 2*4096
}

// PartitionNames returns every non-empty partition name in m.
func (m *Metadata) PartitionNames() []string {
	var names []string
	for _, p := range m.Partitions {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

// PartitionReader returns the resolved {StartOffset, SizeBytes}
// region for name, so a caller can read it out of the super partition
// image (or device) directly. Returns false if name is not found.
func (m *Metadata) PartitionReader(name string) (startOffset, sizeBytes uint64, found bool) {
	for _, p := range m.Partitions {
		if p.Name == name {
			return p.StartOffset, p.SizeBytes, true
		}
	}
	return 0, 0, false
}
