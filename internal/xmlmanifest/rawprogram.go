// Package xmlmanifest implements the OEM text/XML manifest formats a
// firmware selection set can be derived from or rendered to (spec.md
// §6): Qualcomm rawprogram*.xml and patch*.xml, MTK scatter files, and
// Motorola's flashfile.xml step list. Grounded on
// src/qualcomm/parsers/motorola_support.{h,cpp} for the flashfile
// schema and generalized the same way to rawprogram/patch/scatter,
// since no rawprogram/patch/scatter parser survives in the retrieved
// original source beyond the schema spec.md §6 lists.
package xmlmanifest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"

	"flashengine/internal/ferrors"
	"flashengine/internal/model"
)

// ProgramEntry is one <program/> element of a rawprogram*.xml file,
// spec.md §6's schema.
type ProgramEntry struct {
	SectorSizeInBytes       int
	FileName                string
	Label                   string
	NumPartitionSectors     uint64
	PhysicalPartitionNumber int
	StartSector             uint64
	Sparse                  bool
	ReadBackVerify          bool
}

type rawprogramXML struct {
	XMLName xml.Name        `xml:"data"`
	Entries []rawprogramRow `xml:"program"`
}

type rawprogramRow struct {
	SectorSizeInBytes       int    `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	FileName                string `xml:"filename,attr"`
	Label                   string `xml:"label,attr"`
	NumPartitionSectors     string `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber int    `xml:"physical_partition_number,attr"`
	StartSector             string `xml:"start_sector,attr"`
	Sparse                  string `xml:"sparse,attr,omitempty"`
	ReadBackVerify          string `xml:"readbackverify,attr,omitempty"`
}

// ParseRawprogram parses a rawprogram*.xml document into its
// <program/> entries in document order.
func ParseRawprogram(data []byte) ([]ProgramEntry, error) {
	var doc rawprogramXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.Parse("xmlmanifest.ParseRawprogram", err)
	}
	entries := make([]ProgramEntry, 0, len(doc.Entries))
	for _, row := range doc.Entries {
		e := ProgramEntry{
			SectorSizeInBytes:       row.SectorSizeInBytes,
			FileName:                row.FileName,
			Label:                   row.Label,
			PhysicalPartitionNumber: row.PhysicalPartitionNumber,
			Sparse:                  row.Sparse == "true",
			ReadBackVerify:          row.ReadBackVerify == "true",
		}
		n, err := strconv.ParseUint(row.NumPartitionSectors, 10, 64)
		if err != nil {
			return nil, ferrors.Parse("xmlmanifest.ParseRawprogram", fmt.Errorf("num_partition_sectors %q: %w", row.NumPartitionSectors, err))
		}
		e.NumPartitionSectors = n
		s, err := strconv.ParseUint(row.StartSector, 10, 64)
		if err != nil {
			return nil, ferrors.Parse("xmlmanifest.ParseRawprogram", fmt.Errorf("start_sector %q: %w", row.StartSector, err))
		}
		e.StartSector = s
		entries = append(entries, e)
	}
	return entries, nil
}

// GenerateRawprogramXML renders entries back into a rawprogram*.xml
// document. Parsing the result with ParseRawprogram yields the same
// entries, per spec.md §8's round-trip law (modulo attribute ordering
// and whitespace, which xml.Marshal normalizes on its own terms).
func GenerateRawprogramXML(entries []ProgramEntry) ([]byte, error) {
	doc := rawprogramXML{Entries: make([]rawprogramRow, 0, len(entries))}
	for _, e := range entries {
		row := rawprogramRow{
			SectorSizeInBytes:       e.SectorSizeInBytes,
			FileName:                e.FileName,
			Label:                   e.Label,
			NumPartitionSectors:     strconv.FormatUint(e.NumPartitionSectors, 10),
			PhysicalPartitionNumber: e.PhysicalPartitionNumber,
			StartSector:             strconv.FormatUint(e.StartSector, 10),
		}
		if e.Sparse {
			row.Sparse = "true"
		}
		if e.ReadBackVerify {
			row.ReadBackVerify = "true"
		}
		doc.Entries = append(doc.Entries, row)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, ferrors.Parse("xmlmanifest.GenerateRawprogramXML", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(out)
	return buf.Bytes(), nil
}

// ProgramEntriesFromPartitions converts a parsed GPT table's
// partitions into rawprogram entries, the producing half of spec.md
// §8's GPT round-trip law (`generate_rawprogram_xml(P)` parses back
// to P).
func ProgramEntriesFromPartitions(partitions []model.PartitionInfo, sectorSize int) []ProgramEntry {
	entries := make([]ProgramEntry, 0, len(partitions))
	for _, p := range partitions {
		entries = append(entries, ProgramEntry{
			SectorSizeInBytes:   sectorSize,
			Label:               p.Name,
			NumPartitionSectors: p.NumSectors,
			StartSector:         p.StartSector,
		})
	}
	return entries
}
