package xmlmanifest

import "testing"

const sampleScatter = `
# MTK scatter file fragment
- partition_index: SYS9
  partition_name: md1img
  file_name: md1img.img
  is_download: true
  type: normal_rom
  linear_start_addr: 0x1FC00000
  physical_start_addr: 0x1FC00000
  partition_size: 0x4E20000

- partition_index: SYS10
  partition_name: boot
  file_name: boot.img
  is_download: true
  type: normal_rom
  linear_start_addr: 0x00
  physical_start_addr: 0x00
  partition_size: 0x2000000
`

func TestParseScatterFile(t *testing.T) {
	partitions, err := ParseScatterFile(sampleScatter)
	if err != nil {
		t.Fatalf("ParseScatterFile error: %v", err)
	}
	if len(partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(partitions))
	}
	if partitions[0].PartitionName != "md1img" || !partitions[0].IsDownload {
		t.Errorf("partition 0 = %+v", partitions[0])
	}
	if partitions[0].PartitionSize != 0x4E20000 {
		t.Errorf("partition 0 size = %#x", partitions[0].PartitionSize)
	}
	if partitions[1].PartitionName != "boot" {
		t.Errorf("partition 1 = %+v", partitions[1])
	}
}

func TestParseScatterFileRejectsEmpty(t *testing.T) {
	if _, err := ParseScatterFile("# just a comment\n"); err == nil {
		t.Fatalf("expected error for a scatter file with no partition blocks")
	}
}
