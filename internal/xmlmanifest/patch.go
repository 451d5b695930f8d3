package xmlmanifest

import (
	"bytes"
	"encoding/xml"
	"strconv"

	"flashengine/internal/ferrors"
	"flashengine/pkg/imgparse/gpt"
)

type patchXML struct {
	XMLName xml.Name    `xml:"patches"`
	Entries []patchRow  `xml:"patch"`
}

// patchRow mirrors Qualcomm's patch*.xml schema: a fixed-value write
// of `size_in_bytes` bytes at `byte_offset` within the sector
// named by `start_sector`, applied against the "DISK" pseudo-file
// (gpt.CRCPatch's ByteOffset/Value pair, one row per patch).
type patchRow struct {
	SectorSizeInBytes int    `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	Filename          string `xml:"filename,attr"`
	StartSector       string `xml:"start_sector,attr"`
	ByteOffset        int    `xml:"byte_offset,attr"`
	SizeInBytes       int    `xml:"size_in_bytes,attr"`
	Value             string `xml:"value,attr"`
	What               string `xml:"what,attr"`
}

const patchTargetFile = "DISK"
const patchValueSize = 4 // CRCPatch.Value is always a uint32 fixup

// ParsePatchXML parses a patch*.xml document into the CRC fix-ups it
// describes, the inverse of GeneratePatchManifest.
func ParsePatchXML(data []byte) ([]gpt.CRCPatch, error) {
	var doc patchXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.Parse("xmlmanifest.ParsePatchXML", err)
	}
	patches := make([]gpt.CRCPatch, 0, len(doc.Entries))
	for _, row := range doc.Entries {
		lba, err := strconv.ParseUint(row.StartSector, 10, 64)
		if err != nil {
			return nil, ferrors.Parse("xmlmanifest.ParsePatchXML", err)
		}
		value, err := strconv.ParseUint(row.Value, 16, 32)
		if err != nil {
			return nil, ferrors.Parse("xmlmanifest.ParsePatchXML", err)
		}
		patches = append(patches, gpt.CRCPatch{
			SectorLBA:  lba,
			ByteOffset: row.ByteOffset,
			Value:      uint32(value),
		})
	}
	return patches, nil
}

// GeneratePatchManifest renders gpt.GeneratePatchXML's CRC fix-ups as a
// patch*.xml document against sectorSize sectors of the "DISK" target.
func GeneratePatchManifest(patches []gpt.CRCPatch, sectorSize int) ([]byte, error) {
	doc := patchXML{Entries: make([]patchRow, 0, len(patches))}
	for _, p := range patches {
		doc.Entries = append(doc.Entries, patchRow{
			SectorSizeInBytes: sectorSize,
			Filename:          patchTargetFile,
			StartSector:       strconv.FormatUint(p.SectorLBA, 10),
			ByteOffset:        p.ByteOffset,
			SizeInBytes:       patchValueSize,
			Value:             strconv.FormatUint(uint64(p.Value), 16),
			What:              "crc32",
		})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, ferrors.Parse("xmlmanifest.GeneratePatchManifest", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(out)
	return buf.Bytes(), nil
}
