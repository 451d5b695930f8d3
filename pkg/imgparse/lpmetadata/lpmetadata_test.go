package lpmetadata

import (
	"encoding/binary"
	"testing"
)

func putCString(dst []byte, s string) {
	copy(dst, s)
}

// buildSuperFixture assembles a minimal super-partition image with one
// geometry header, one metadata header, one group, two extents, and
// one partition (system_a) spanning both extents.
func buildSuperFixture(t *testing.T) []byte {
	t.Helper()
	const metadataMaxSize = 4096
	const headerSize = headerBaseSize

	img := make([]byte, geometryOffset+2*4096+metadataMaxSize)

	// Geometry at offset 4096.
	geo := img[geometryOffset:]
	binary.LittleEndian.PutUint32(geo[0:], geometryMagic)
	binary.LittleEndian.PutUint32(geo[4:], geometrySize)
	binary.LittleEndian.PutUint32(geo[8:], 0) // checksum, unchecked here
	binary.LittleEndian.PutUint32(geo[12:], metadataMaxSize)
	binary.LittleEndian.PutUint32(geo[16:], 2) // slot count
	binary.LittleEndian.PutUint32(geo[20:], 4096)

	metadataOffset := uint32(geometryOffset + 2*4096)
	tablesBase := metadataOffset + uint32(headerSize)

	groupsOffset := uint32(0)
	groupsCount := uint32(1)
	extentsOffset := groupsOffset + groupsCount*groupEntrySize
	extentsCount := uint32(2)
	partitionsOffset := extentsOffset + extentsCount*extentEntrySize
	partitionsCount := uint32(1)

	hdr := img[metadataOffset:]
	binary.LittleEndian.PutUint32(hdr[0:], headerMagic)
	binary.LittleEndian.PutUint16(hdr[4:], 1) // major
	binary.LittleEndian.PutUint16(hdr[6:], 0) // minor
	binary.LittleEndian.PutUint32(hdr[8:], uint32(headerSize))
	binary.LittleEndian.PutUint32(hdr[12:], 0) // headerChecksum
	binary.LittleEndian.PutUint32(hdr[16:], 0) // tablesSize
	binary.LittleEndian.PutUint32(hdr[20:], 0) // tablesChecksum

	binary.LittleEndian.PutUint32(hdr[24:], partitionsOffset)
	binary.LittleEndian.PutUint32(hdr[28:], partitionEntrySize)
	binary.LittleEndian.PutUint32(hdr[32:], partitionsCount)

	binary.LittleEndian.PutUint32(hdr[36:], extentsOffset)
	binary.LittleEndian.PutUint32(hdr[40:], extentEntrySize)
	binary.LittleEndian.PutUint32(hdr[44:], extentsCount)

	binary.LittleEndian.PutUint32(hdr[48:], groupsOffset)
	binary.LittleEndian.PutUint32(hdr[52:], groupEntrySize)
	binary.LittleEndian.PutUint32(hdr[56:], groupsCount)

	binary.LittleEndian.PutUint32(hdr[60:], 0) // blockDevicesOffset
	binary.LittleEndian.PutUint32(hdr[64:], 0) // blockDevicesEntrySize
	binary.LittleEndian.PutUint32(hdr[68:], 0) // blockDevicesCount

	group := img[tablesBase+groupsOffset:]
	putCString(group[:partitionNameSize], "main")
	binary.LittleEndian.PutUint32(group[36:], 0)
	binary.LittleEndian.PutUint64(group[40:], 1<<30)

	ext0 := img[tablesBase+extentsOffset:]
	binary.LittleEndian.PutUint64(ext0[0:], 100) // numSectors
	binary.LittleEndian.PutUint32(ext0[8:], 0)    // linear
	binary.LittleEndian.PutUint64(ext0[12:], 2048) // physicalSector
	binary.LittleEndian.PutUint32(ext0[20:], 0)

	ext1 := img[tablesBase+extentsOffset+extentEntrySize:]
	binary.LittleEndian.PutUint64(ext1[0:], 200) // numSectors
	binary.LittleEndian.PutUint32(ext1[8:], 0)
	binary.LittleEndian.PutUint64(ext1[12:], 4096)
	binary.LittleEndian.PutUint32(ext1[20:], 0)

	part := img[tablesBase+partitionsOffset:]
	putCString(part[:partitionNameSize], "system_a")
	binary.LittleEndian.PutUint32(part[36:], 0) // attributes
	binary.LittleEndian.PutUint32(part[40:], 0) // firstExtentIndex
	binary.LittleEndian.PutUint32(part[44:], 2) // numExtents
	binary.LittleEndian.PutUint32(part[48:], 0) // groupIndex

	return img
}

func TestParseResolvesPartitionFromExtents(t *testing.T) {
	img := buildSuperFixture(t)

	if !IsValid(img) {
		t.Fatalf("expected valid LP metadata geometry")
	}

	m, err := Parse(img, 0)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(m.Partitions) != 1 {
		t.Fatalf("expected 1 partition, got %d", len(m.Partitions))
	}
	p := m.Partitions[0]
	if p.Name != "system_a" {
		t.Fatalf("Name = %q, want system_a", p.Name)
	}
	if !p.IsSlotted {
		t.Fatalf("expected system_a to be detected as slotted")
	}
	wantSize := uint64(100+200) * 512
	if p.SizeBytes != wantSize {
		t.Fatalf("SizeBytes = %d, want %d", p.SizeBytes, wantSize)
	}
	wantOffset := uint64(2048) * 512
	if p.StartOffset != wantOffset {
		t.Fatalf("StartOffset = %d, want %d", p.StartOffset, wantOffset)
	}

	off, size, found := m.PartitionReader("system_a")
	if !found || off != wantOffset || size != wantSize {
		t.Fatalf("PartitionReader(system_a) = (%d, %d, %v), want (%d, %d, true)", off, size, found, wantOffset, wantSize)
	}

	if _, _, found := m.PartitionReader("nonexistent"); found {
		t.Fatalf("expected PartitionReader to report not found for unknown partition")
	}

	if len(m.Groups) != 1 || m.Groups[0].Name != "main" {
		t.Fatalf("unexpected groups: %+v", m.Groups)
	}
}

func TestParseRejectsBadGeometryMagic(t *testing.T) {
	img := make([]byte, geometryOffset+2*4096+4096)
	if _, err := Parse(img, 0); err == nil {
		t.Fatalf("expected error for missing geometry magic")
	}
}

func TestParseRejectsBadHeaderMagic(t *testing.T) {
	img := buildSuperFixture(t)
	metadataOffset := geometryOffset + 2*4096
	binary.LittleEndian.PutUint32(img[metadataOffset:], 0)
	if _, err := Parse(img, 0); err == nil {
		t.Fatalf("expected error for missing header magic")
	}
}
