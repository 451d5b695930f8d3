package xmlmanifest

import (
	"errors"
	"strconv"
	"strings"

	"flashengine/internal/ferrors"
)

// ScatterPartition is one partition block of an MTK scatter file.
type ScatterPartition struct {
	PartitionIndex string
	PartitionName  string
	FileName       string
	IsDownload     bool
	Type           string
	LinearStartAddr uint64
	PhysicalStartAddr uint64
	PartitionSize   uint64
}

// ParseScatterFile parses an MTK scatter file: a sequence of
// `- partition_index: SYS9` blocks each followed by indented
// `key: value` lines, terminated by the next `- ` entry (blank lines
// and `#` comments are skipped and do not end a block). This is a line-oriented key=value scan in the same spirit as
// the teacher's parseEnvFile (internal/config/config.go) — trim,
// split on the first separator, skip blanks/comments — generalized
// from a flat `KEY=value` file to this format's one-level-nested
// blocks.
func ParseScatterFile(content string) ([]ScatterPartition, error) {
	var partitions []ScatterPartition
	var cur *ScatterPartition

	flush := func() {
		if cur != nil {
			partitions = append(partitions, *cur)
			cur = nil
		}
	}

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "- ") {
			flush()
			cur = &ScatterPartition{}
			trimmed = strings.TrimPrefix(trimmed, "- ")
		}
		if cur == nil {
			continue
		}

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		setScatterField(cur, key, value)
	}
	flush()

	if len(partitions) == 0 {
		return nil, ferrors.Parse("xmlmanifest.ParseScatterFile", errors.New("no partition_index blocks found"))
	}
	return partitions, nil
}

func setScatterField(p *ScatterPartition, key, value string) {
	switch key {
	case "partition_index":
		p.PartitionIndex = value
	case "partition_name":
		p.PartitionName = value
	case "file_name":
		p.FileName = value
	case "is_download":
		p.IsDownload = value == "true"
	case "type":
		p.Type = value
	case "linear_start_addr":
		if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64); err == nil {
			p.LinearStartAddr = n
		}
	case "physical_start_addr":
		if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64); err == nil {
			p.PhysicalStartAddr = n
		}
	case "partition_size":
		if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64); err == nil {
			p.PartitionSize = n
		}
	}
}
