package xmlmanifest

import "testing"

func TestRawprogramRoundTrip(t *testing.T) {
	entries := []ProgramEntry{
		{SectorSizeInBytes: 512, FileName: "boot.img", Label: "boot", NumPartitionSectors: 1024, PhysicalPartitionNumber: 0, StartSector: 2048, Sparse: true, ReadBackVerify: true},
		{SectorSizeInBytes: 512, Label: "system", NumPartitionSectors: 500000, StartSector: 3072},
	}

	out, err := GenerateRawprogramXML(entries)
	if err != nil {
		t.Fatalf("GenerateRawprogramXML error: %v", err)
	}

	got, err := ParseRawprogram(out)
	if err != nil {
		t.Fatalf("ParseRawprogram error: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	if got[0] != entries[0] {
		t.Errorf("entry 0 = %+v, want %+v", got[0], entries[0])
	}
	if got[1].Sparse || got[1].ReadBackVerify {
		t.Errorf("entry 1 should have no sparse/readbackverify flags: %+v", got[1])
	}
}

func TestParseRawprogramRejectsMalformed(t *testing.T) {
	bad := []byte(`<data><program SECTOR_SIZE_IN_BYTES="512" filename="x" label="x" num_partition_sectors="not-a-number" physical_partition_number="0" start_sector="0"/></data>`)
	if _, err := ParseRawprogram(bad); err == nil {
		t.Fatalf("expected error for non-numeric num_partition_sectors")
	}
}

func TestProgramEntriesFromPartitions(t *testing.T) {
	entries := ProgramEntriesFromPartitions(nil, 512)
	if len(entries) != 0 {
		t.Fatalf("expected no entries for nil partitions, got %d", len(entries))
	}
}
