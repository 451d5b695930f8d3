// Package gpt parses and regenerates GUID Partition Tables, per
// spec.md §3 GptHeader / §4.13.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"flashengine/internal/crc"
	"flashengine/internal/ferrors"
	"flashengine/internal/model"
)

const signature = "EFI PART"

// candidateSectorSizes is tried in this order, per spec.md §4.13 and
// §9's explicit note not to assume 4096.
var candidateSectorSizes = []int{512, 4096}

// Header is the on-disk GPT header, spec.md §3 GptHeader.
type Header struct {
	Signature              string
	Revision               uint32
	HeaderSize             uint32
	HeaderCRC32            uint32
	MyLBA                  uint64
	AlternateLBA           uint64
	FirstUsableLBA         uint64
	LastUsableLBA          uint64
	DiskGUID               [16]byte
	PartitionEntryLBA      uint64
	NumPartitions          uint32
	PartitionEntrySize     uint32
	PartitionEntryCRC32    uint32
	SectorSize             int
}

// Table is a parsed header plus its kept (non-zero-type) partitions.
type Table struct {
	Header     Header
	Partitions []model.PartitionInfo
}

// DetectSectorSize scans sectors 1, 2, and 8 of raw for the "EFI PART"
// signature and returns the sector size that finds it; at each sector
// index it tries 512 before 4096. It defaults to 512 if no match is found.
func DetectSectorSize(raw []byte) int {
	for _, sectorIdx := range []int{1, 2, 8} {
		for _, sectorSize := range candidateSectorSizes {
			off := sectorIdx * sectorSize
			if off+8 <= len(raw) && bytes.Equal(raw[off:off+8], []byte(signature)) {
				return sectorSize
			}
		}
	}
	return 512
}

// Parse parses a raw byte buffer (at minimum the primary header sector
// plus the partition-entry array) into a Table, validating the header
// CRC-32 and dropping all-zero-type-GUID entries.
func Parse(raw []byte) (*Table, error) {
	sectorSize := DetectSectorSize(raw)

	var headerOff int
	var found bool
	for _, sectorIdx := range []int{1, 2, 8} {
		off := sectorIdx * sectorSize
		if off+8 <= len(raw) && bytes.Equal(raw[off:off+8], []byte(signature)) {
			headerOff = off
			found = true
			break
		}
	}
	if !found {
		return nil, ferrors.Parse("gpt.Parse", fmt.Errorf("no %q signature found in sectors 1, 2, or 8", signature))
	}

	if headerOff+92 > len(raw) {
		return nil, ferrors.Parse("gpt.Parse", fmt.Errorf("buffer too short for gpt header"))
	}
	h := Header{SectorSize: sectorSize}
	h.Signature = string(raw[headerOff : headerOff+8])
	h.Revision = binary.LittleEndian.Uint32(raw[headerOff+8:])
	h.HeaderSize = binary.LittleEndian.Uint32(raw[headerOff+12:])
	h.HeaderCRC32 = binary.LittleEndian.Uint32(raw[headerOff+16:])
	h.MyLBA = binary.LittleEndian.Uint64(raw[headerOff+24:])
	h.AlternateLBA = binary.LittleEndian.Uint64(raw[headerOff+32:])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(raw[headerOff+40:])
	h.LastUsableLBA = binary.LittleEndian.Uint64(raw[headerOff+48:])
	copy(h.DiskGUID[:], raw[headerOff+56:headerOff+72])
	h.PartitionEntryLBA = binary.LittleEndian.Uint64(raw[headerOff+72:])
	h.NumPartitions = binary.LittleEndian.Uint32(raw[headerOff+80:])
	h.PartitionEntrySize = binary.LittleEndian.Uint32(raw[headerOff+84:])
	h.PartitionEntryCRC32 = binary.LittleEndian.Uint32(raw[headerOff+88:])

	if int(h.HeaderSize) < 92 || headerOff+int(h.HeaderSize) > len(raw) {
		return nil, ferrors.Parse("gpt.Parse", fmt.Errorf("invalid header_size %d", h.HeaderSize))
	}
	if err := validateHeaderCRC(raw[headerOff:headerOff+int(h.HeaderSize)], h.HeaderCRC32); err != nil {
		return nil, ferrors.Parse("gpt.Parse", err)
	}

	entriesOff := int(h.PartitionEntryLBA) * sectorSize
	entrySize := int(h.PartitionEntrySize)
	var partitions []model.PartitionInfo
	for i := 0; i < int(h.NumPartitions); i++ {
		off := entriesOff + i*entrySize
		if off+entrySize > len(raw) {
			break
		}
		entry := raw[off : off+entrySize]
		typeGUID := entry[0:16]
		if isAllZero(typeGUID) {
			continue
		}
		uniqueGUID := entry[16:32]
		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		attrs := binary.LittleEndian.Uint64(entry[48:56])
		name := decodeUTF16Name(entry[56:min(entrySize, 56+72)])

		numSectors := lastLBA - firstLBA + 1
		partitions = append(partitions, model.PartitionInfo{
			Name:        name,
			StartSector: firstLBA,
			NumSectors:  numSectors,
			SizeBytes:   numSectors * uint64(sectorSize),
			TypeGUID:    formatMixedEndianGUID(typeGUID),
			UniqueGUID:  formatMixedEndianGUID(uniqueGUID),
			Attributes:  attrs,
		})
	}

	return &Table{Header: h, Partitions: partitions}, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func decodeUTF16Name(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// formatMixedEndianGUID renders a 16-byte GPT GUID field in the
// standard mixed-endian display form: the first three components are
// little-endian, the last two are big-endian byte sequences.
func formatMixedEndianGUID(b []byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		binary.BigEndian.Uint16(b[8:10]),
		b[10:16])
}

func validateHeaderCRC(headerBytes []byte, want uint32) error {
	zeroed := append([]byte(nil), headerBytes...)
	binary.LittleEndian.PutUint32(zeroed[16:20], 0)
	got := crc.CRC32IEEE(zeroed)
	if got != want {
		return fmt.Errorf("header crc32 mismatch: got 0x%08x want 0x%08x", got, want)
	}
	return nil
}

// ActiveSlot examines boot_a/boot_b partitions and returns "a" or "b"
// according to bit 48 of attributes, per spec.md §4.13.
func ActiveSlot(partitions []model.PartitionInfo) (string, bool) {
	for _, p := range partitions {
		if p.Name != "boot_a" && p.Name != "boot_b" {
			continue
		}
		if p.Attributes&(1<<48) != 0 {
			if p.Name == "boot_a" {
				return "a", true
			}
			return "b", true
		}
	}
	return "", false
}

// CRCPatch is one fix-up emitted by GeneratePatchXML: a byte offset
// (within a GPT header sector) and the new CRC value to write there.
type CRCPatch struct {
	SectorLBA uint64
	ByteOffset int // 16 (header crc) or 88 (entry-array crc), relative to sector start
	Value      uint32
}

// BuildInput describes one partition to bake into a fixture GPT image.
type BuildInput struct {
	Name        string
	StartSector uint64
	NumSectors  uint64
	TypeGUID    [16]byte
	Attributes  uint64
}

// Build renders a minimal valid primary GPT (header + partition entry
// array) for the given sector size, with correct header and
// entry-array CRCs. It exists for test fixtures and loopback-transport
// simulations (spec.md §8 scenario 1); it is not a spec-required
// production code path, but it is the inverse of Parse and lives next
// to it for the same reason gpt.go keeps GeneratePatchXML nearby.
func Build(sectorSize int, entries []BuildInput) []byte {
	const numPartitions = 128
	const entrySize = 128
	entryArrayBytes := numPartitions * entrySize
	entryArraySectors := (entryArrayBytes + sectorSize - 1) / sectorSize

	totalSectors := uint64(2 + entryArraySectors)
	for _, e := range entries {
		end := e.StartSector + e.NumSectors
		if end+uint64(entryArraySectors)+1 > totalSectors {
			totalSectors = end + uint64(entryArraySectors) + 1
		}
	}

	buf := make([]byte, int(totalSectors)*sectorSize)

	entryArray := make([]byte, entryArrayBytes)
	for i, e := range entries {
		off := i * entrySize
		copy(entryArray[off:off+16], e.TypeGUID[:])
		binary.LittleEndian.PutUint64(entryArray[off+32:], e.StartSector)
		binary.LittleEndian.PutUint64(entryArray[off+40:], e.StartSector+e.NumSectors-1)
		binary.LittleEndian.PutUint64(entryArray[off+48:], e.Attributes)
		units := utf16.Encode([]rune(e.Name))
		for j, u := range units {
			if 56+j*2+2 > entrySize {
				break
			}
			binary.LittleEndian.PutUint16(entryArray[off+56+j*2:], u)
		}
	}
	entryArrayCRC := crc.CRC32IEEE(entryArray)
	copy(buf[2*sectorSize:], entryArray)

	header := make([]byte, 92)
	copy(header[0:8], []byte(signature))
	binary.LittleEndian.PutUint32(header[8:], 0x00010000)
	binary.LittleEndian.PutUint32(header[12:], 92)
	binary.LittleEndian.PutUint64(header[24:], 1)
	binary.LittleEndian.PutUint64(header[32:], totalSectors-1)
	binary.LittleEndian.PutUint64(header[40:], uint64(2+entryArraySectors))
	binary.LittleEndian.PutUint64(header[48:], totalSectors-uint64(entryArraySectors)-2)
	binary.LittleEndian.PutUint64(header[72:], 2)
	binary.LittleEndian.PutUint32(header[80:], numPartitions)
	binary.LittleEndian.PutUint32(header[84:], entrySize)
	binary.LittleEndian.PutUint32(header[88:], entryArrayCRC)
	headerCRC := crc.CRC32IEEE(header)
	binary.LittleEndian.PutUint32(header[16:], headerCRC)

	copy(buf[1*sectorSize:], header)
	return buf
}

// GeneratePatchXML computes the primary and backup header/entry-array
// CRC fix-ups spec.md §4.13 describes for patch-XML generation. It
// does not itself render XML — internal/xmlmanifest does that — it
// returns the structured patches a renderer needs.
func GeneratePatchXML(t *Table, primaryLBA, backupLBA uint64) []CRCPatch {
	return []CRCPatch{
		{SectorLBA: primaryLBA, ByteOffset: 16, Value: t.Header.HeaderCRC32},
		{SectorLBA: primaryLBA, ByteOffset: 88, Value: t.Header.PartitionEntryCRC32},
		{SectorLBA: backupLBA, ByteOffset: 16, Value: t.Header.HeaderCRC32},
		{SectorLBA: backupLBA, ByteOffset: 88, Value: t.Header.PartitionEntryCRC32},
	}
}
