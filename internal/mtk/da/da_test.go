package da

import (
	"bytes"
	"encoding/binary"
	"testing"

	"flashengine/internal/model"
)

// buildDaFile hand-assembles a minimal DA file with the given entries'
// bodies, returning the file bytes and the offsets the entry table
// should reference.
func buildDaFile(t *testing.T, entries []struct {
	name      string
	hwCode    uint16
	hwSubCode uint16
	loadAddr  uint32
	entryAddr uint32
	typ       model.DAType
	body      []byte
	signature []byte
}) []byte {
	t.Helper()
	dataStart := fileHeaderSize + len(entries)*entryHeaderSize

	var data bytes.Buffer
	data.Write(make([]byte, dataStart))

	offsets := make([]int, len(entries))
	for i, e := range entries {
		offsets[i] = dataStart + data.Len() - dataStart
		data.Write(e.body)
		data.Write(e.signature)
	}

	buf := data.Bytes()

	header := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(entries)))

	out := append([]byte(nil), header...)
	for i, e := range entries {
		entry := make([]byte, entryHeaderSize)
		copy(entry[:entryNameSize], e.name)
		binary.LittleEndian.PutUint16(entry[entryNameSize:], e.hwCode)
		binary.LittleEndian.PutUint16(entry[entryNameSize+2:], e.hwSubCode)
		binary.LittleEndian.PutUint32(entry[entryNameSize+8:], e.loadAddr)
		binary.LittleEndian.PutUint32(entry[entryNameSize+12:], uint32(len(e.body)+len(e.signature)))
		binary.LittleEndian.PutUint32(entry[entryNameSize+16:], uint32(dataStart+offsets[i]))
		binary.LittleEndian.PutUint32(entry[entryNameSize+20:], uint32(len(e.signature)))
		binary.LittleEndian.PutUint32(entry[entryNameSize+24:], e.entryAddr)
		if e.typ == model.DA2 {
			binary.LittleEndian.PutUint32(entry[entryNameSize+28:], 1)
		}
		out = append(out, entry...)
	}
	out = append(out, buf...)
	return out
}

func TestParseExtractsEntriesAndPayload(t *testing.T) {
	entries := []struct {
		name      string
		hwCode    uint16
		hwSubCode uint16
		loadAddr  uint32
		entryAddr uint32
		typ       model.DAType
		body      []byte
		signature []byte
	}{
		{name: "DA1", hwCode: 0x6765, loadAddr: 0x40000000, entryAddr: 0x40000000, typ: model.DA1, body: []byte("da1-body"), signature: []byte("sig1")},
		{name: "DA2", hwCode: 0, loadAddr: 0x50000000, entryAddr: 0x50000000, typ: model.DA2, body: []byte("da2-body-wildcard"), signature: []byte("sig2")},
	}
	raw := buildDaFile(t, entries)

	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(f.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(f.Entries))
	}

	da1, ok := f.FindDA1(0x6765)
	if !ok {
		t.Fatalf("expected DA1 entry for hw_code 0x6765")
	}
	body, sig := f.Payload(da1)
	if string(body) != "da1-body" || string(sig) != "sig1" {
		t.Fatalf("unexpected DA1 payload: body=%q sig=%q", body, sig)
	}

	da2, ok := f.FindDA2(0x9999)
	if !ok {
		t.Fatalf("expected wildcard DA2 entry to match any hw_code")
	}
	body2, sig2 := f.Payload(da2)
	if string(body2) != "da2-body-wildcard" || string(sig2) != "sig2" {
		t.Fatalf("unexpected DA2 payload: body=%q sig=%q", body2, sig2)
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	bad := make([]byte, fileHeaderSize)
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestFindPrefersExactHwCodeOverWildcard(t *testing.T) {
	entries := []struct {
		name      string
		hwCode    uint16
		hwSubCode uint16
		loadAddr  uint32
		entryAddr uint32
		typ       model.DAType
		body      []byte
		signature []byte
	}{
		{name: "wild", hwCode: 0, typ: model.DA1, body: []byte("wild")},
		{name: "exact", hwCode: 0x6785, typ: model.DA1, body: []byte("exact")},
	}
	raw := buildDaFile(t, entries)
	f, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	got, ok := f.FindDA1(0x6785)
	if !ok {
		t.Fatalf("expected a match")
	}
	body, _ := f.Payload(got)
	if string(body) != "exact" {
		t.Fatalf("got %q, want exact match to win over wildcard", body)
	}
}
