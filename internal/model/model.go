// Package model holds the data types shared across every protocol
// stack: detected ports, partition descriptors, chip identities, and
// the firmware selection set. Wire-format-specific structs (GPT
// headers, sparse chunks, OTA payload manifests) live next to their
// parsers under pkg/imgparse instead, since those are only meaningful
// to one parser each.
package model

import "strings"

// ClassifiedKind is the boot-mode classification derived from a
// (VID, PID) pair, per spec.md §3 DetectedPort invariant.
type ClassifiedKind int

const (
	KindUnknown ClassifiedKind = iota
	KindQualcommEdl
	KindQualcommDload
	KindQualcommDiag
	KindMtkBrom
	KindMtkPreloader
	KindMtkDa
	KindSpreadtrumDownload
	KindFastboot
)

func (k ClassifiedKind) String() string {
	switch k {
	case KindQualcommEdl:
		return "QualcommEdl"
	case KindQualcommDload:
		return "QualcommDload"
	case KindQualcommDiag:
		return "QualcommDiag"
	case KindMtkBrom:
		return "MtkBrom"
	case KindMtkPreloader:
		return "MtkPreloader"
	case KindMtkDa:
		return "MtkDa"
	case KindSpreadtrumDownload:
		return "SpreadtrumDownload"
	case KindFastboot:
		return "Fastboot"
	default:
		return "Unknown"
	}
}

// DetectedPort is one enumerated OS device entry, classified by VID/PID.
type DetectedPort struct {
	PortName       string
	VID            uint16
	PID            uint16
	Description    string
	FriendlyName   string
	DeviceClass    string
	InstanceID     string
	Driver         string
	HasComPort     bool
	IsUSB          bool
	DevStatus      uint32
	DevProblem     uint32
	ClassifiedKind ClassifiedKind
}

// PartitionInfo describes one partition entry regardless of which
// vendor's storage protocol produced it.
type PartitionInfo struct {
	Name         string
	StartSector  uint64
	NumSectors   uint64
	SizeBytes    uint64
	Lun          int
	TypeGUID     string
	UniqueGUID   string
	Attributes   uint64
}

// SlotSuffix returns the slot character ("a"/"b") and whether the name
// carries an A/B suffix at all.
func (p PartitionInfo) SlotSuffix() (string, bool) {
	if strings.HasSuffix(p.Name, "_a") {
		return "a", true
	}
	if strings.HasSuffix(p.Name, "_b") {
		return "b", true
	}
	return "", false
}

// IsSlotA reports whether this partition is the "_a" half of an A/B pair.
func (p PartitionInfo) IsSlotA() bool {
	s, ok := p.SlotSuffix()
	return ok && s == "a"
}

// IsSlotB reports whether this partition is the "_b" half of an A/B pair.
func (p PartitionInfo) IsSlotB() bool {
	s, ok := p.SlotSuffix()
	return ok && s == "b"
}

// BaseName strips any "_a"/"_b" slot suffix.
func (p PartitionInfo) BaseName() string {
	if s, ok := p.SlotSuffix(); ok {
		return strings.TrimSuffix(p.Name, "_"+s)
	}
	return p.Name
}

// FirmwareEntry is one row of an ordered firmware selection set,
// derived from a GPT image, rawprogram/patch XML set, MTK scatter
// file, SPRD PAC file, or OTA payload.
type FirmwareEntry struct {
	PartitionName string
	ImagePath     string
	Checked       bool
	SourceXML     string
	Lun           *int
	StartSector   *uint64
	NumSectors    *uint64
}

// QualcommChipIdentity is populated from Sahara Command-mode reads.
type QualcommChipIdentity struct {
	SaharaVersion uint32
	MsmID         uint32
	OemID         uint32
	ModelID       uint32
	Serial        uint32
	PkHash        [32]byte
	HwID          string
	SblVersion    uint32
	ChipName      string
}

// MtkTargetConfig mirrors the BROM's GetTargetConfig response.
type MtkTargetConfig struct {
	SBC        bool
	SLAEnabled bool
	DAAEnabled bool
}

// MtkChipIdentity is populated during the BROM handshake.
type MtkChipIdentity struct {
	HwCode      uint16
	HwSubCode   uint16
	MeID        [6]byte
	SocID       [32]byte
	Target      MtkTargetConfig
	IsBromMode  bool
}

// DAType distinguishes the two MediaTek Download Agent stages.
type DAType int

const (
	DA1 DAType = iota
	DA2
)

// DAEntry is one entry of a parsed MediaTek DA file.
type DAEntry struct {
	Name         string
	HwCode       uint16
	HwSubCode    uint16
	LoadAddr     uint32
	EntryAddr    uint32
	DataOffset   uint32
	DataSize     uint32
	SignatureLen uint32
	Type         DAType
}

// Matches reports whether this DA entry applies to the given chip,
// per spec.md §3: hw_code=0 is a wildcard entry.
func (e DAEntry) Matches(hwCode uint16) bool {
	return e.HwCode == 0 || e.HwCode == hwCode
}
