// Package da parses MediaTek Download Agent (DA) files: the binary
// container holding one or more signed DA1/DA2 blobs keyed by hw_code,
// plus the selection logic that picks the right blob for a connected
// chip. Grounded on da_loader.h/.cpp in the original source: DaLoader
// parses a fixed-size file header followed by a fixed-size entry
// table, each entry describing one DA blob's offset, size, trailing
// signature length, load/entry address, and the (hw_code, hw_sub_code)
// pair it targets. Entry and chip types live in internal/model
// (DAEntry, DAType) since they are shared data-model shapes, not
// parser internals.
package da

import (
	"encoding/binary"
	"fmt"

	"flashengine/internal/ferrors"
	"flashengine/internal/model"
)

// Magic identifies a MediaTek DA file (MTK_AllInOne_DA/MTK_DA_v6 family).
const Magic uint32 = 0x22668899

const (
	fileHeaderSize  = 0x60
	entryHeaderSize = 0xDC
	maxEntries      = 16
	entryNameSize   = 0x40
)

// File is a parsed DA container: the entry table plus the underlying
// bytes each entry's DataOffset/DataSize/SignatureLen index into.
type File struct {
	Entries []model.DAEntry
	raw     []byte
}

// Parse validates the file header and extracts every entry in the
// table, bounds-checking each entry's data region against len(data).
func Parse(data []byte) (*File, error) {
	if len(data) < fileHeaderSize {
		return nil, ferrors.Parse("da.Parse", fmt.Errorf("buffer shorter than DA file header"))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, ferrors.Parse("da.Parse", fmt.Errorf("bad magic: got 0x%08x want 0x%08x", magic, Magic))
	}
	count := binary.LittleEndian.Uint32(data[4:8])
	if count > maxEntries {
		return nil, ferrors.Parse("da.Parse", fmt.Errorf("entry count %d exceeds maximum %d", count, maxEntries))
	}

	f := &File{raw: data}
	off := fileHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+entryHeaderSize > len(data) {
			return nil, ferrors.Parse("da.Parse", fmt.Errorf("truncated entry header at entry %d", i))
		}
		e := data[off : off+entryHeaderSize]

		hwCode := binary.LittleEndian.Uint16(e[entryNameSize:])
		hwSubCode := binary.LittleEndian.Uint16(e[entryNameSize+2:])
		loadAddr := binary.LittleEndian.Uint32(e[entryNameSize+8:])
		dataSize := binary.LittleEndian.Uint32(e[entryNameSize+12:])
		dataOffset := binary.LittleEndian.Uint32(e[entryNameSize+16:])
		sigLen := binary.LittleEndian.Uint32(e[entryNameSize+20:])
		entryAddr := binary.LittleEndian.Uint32(e[entryNameSize+24:])
		daType := model.DA1
		if binary.LittleEndian.Uint32(e[entryNameSize+28:]) != 0 {
			daType = model.DA2
		}

		if uint64(dataOffset)+uint64(dataSize) > uint64(len(data)) {
			return nil, ferrors.Parse("da.Parse", fmt.Errorf("entry %d data region [%d,%d) exceeds file size %d", i, dataOffset, uint64(dataOffset)+uint64(dataSize), len(data)))
		}
		if sigLen > dataSize {
			return nil, ferrors.Parse("da.Parse", fmt.Errorf("entry %d signature length %d exceeds data size %d", i, sigLen, dataSize))
		}

		f.Entries = append(f.Entries, model.DAEntry{
			Name:         nameFromFixed(e[:entryNameSize]),
			HwCode:       hwCode,
			HwSubCode:    hwSubCode,
			LoadAddr:     loadAddr,
			EntryAddr:    entryAddr,
			DataOffset:   dataOffset,
			DataSize:     dataSize,
			SignatureLen: sigLen,
			Type:         daType,
		})
		off += entryHeaderSize
	}
	return f, nil
}

func nameFromFixed(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Payload returns an entry's data split into its unsigned body and
// trailing signature, exactly as the BROM/XFlash SendDa call expects.
func (f *File) Payload(e model.DAEntry) (body, signature []byte) {
	full := f.raw[e.DataOffset : e.DataOffset+e.DataSize]
	bodyLen := len(full) - int(e.SignatureLen)
	return full[:bodyLen], full[bodyLen:]
}

// FindDA1 returns the DA1 entry targeting hwCode, preferring an exact
// hw_code match over the hw_code=0 wildcard entry (spec.md §3 DAEntry
// matching order).
func (f *File) FindDA1(hwCode uint16) (model.DAEntry, bool) {
	return find(f.Entries, model.DA1, hwCode)
}

// FindDA2 returns the DA2 entry targeting hwCode, using the same
// exact-then-wildcard order as FindDA1.
func (f *File) FindDA2(hwCode uint16) (model.DAEntry, bool) {
	return find(f.Entries, model.DA2, hwCode)
}

func find(entries []model.DAEntry, typ model.DAType, hwCode uint16) (model.DAEntry, bool) {
	var wildcard model.DAEntry
	haveWildcard := false
	for _, e := range entries {
		if e.Type != typ {
			continue
		}
		if e.HwCode == hwCode {
			return e, true
		}
		if e.HwCode == 0 {
			wildcard = e
			haveWildcard = true
		}
	}
	return wildcard, haveWildcard
}
