// Package bootimg parses Android boot.img headers v0 through v3 and
// slices out the kernel/ramdisk/second/dtb/recovery-dtbo payloads at
// their page-aligned offsets, per spec.md §3 BootImage and §4.
package bootimg

import (
	"encoding/binary"
	"fmt"
	"strings"

	"flashengine/internal/ferrors"
)

const (
	magic        = "ANDROID!"
	magicSize    = 8
	headerV0V2   = 1632 // sizeof(BootImageHeader): magic(8)+10*u32(40)+name(16)+cmdline(512)+id(32)+extra_cmdline(1024)
	nameSize     = 16
	cmdlineSize  = 512
	idWords      = 8
	extraCmdline = 1024
	v1ExtraSize  = 16 // recovery_dtbo_size u32 + recovery_dtbo_offset u64 + header_size u32
	v2ExtraSize  = 12 // dtb_size u32 + dtb_addr u64
	v3PageSize   = 4096
	v3HeaderSize = 1580 // magic(8)+kernel_size+ramdisk_size+os_version+header_size+4*reserved+header_version (u32 each) + cmdline(1536)
)

// Info is the parsed, vendor-neutral view of a boot.img regardless of
// header version.
type Info struct {
	HeaderVersion uint32
	PageSize      uint32
	Name          string
	Cmdline       string

	KernelSize       uint32
	RamdiskSize      uint32
	SecondSize       uint32
	DtbSize          uint32
	RecoveryDtboSize uint32

	KernelOffset       uint64
	RamdiskOffset      uint64
	SecondOffset       uint64
	DtbOffset          uint64
	RecoveryDtboOffset uint64

	KernelAddr  uint32
	RamdiskAddr uint32
	SecondAddr  uint32
	TagsAddr    uint32
}

// IsValid mirrors the original parser's validity check: a usable boot
// image needs a non-zero page size and a non-empty kernel.
func (i *Info) IsValid() bool {
	return i.PageSize > 0 && i.KernelSize > 0
}

// IsBootImage reports whether data starts with the ANDROID! magic.
func IsBootImage(data []byte) bool {
	return len(data) >= magicSize && string(data[:magicSize]) == magic
}

// DetectHeaderVersion reads the header_version field without fully
// parsing the image. Returns 0 if the buffer is too short to hold it.
func DetectHeaderVersion(data []byte) uint32 {
	if len(data) < headerV0V2 {
		return 0
	}
	return binary.LittleEndian.Uint32(data[40:44])
}

// Parse decodes a boot.img header (v0-v3) into Info.
func Parse(data []byte) (*Info, error) {
	if !IsBootImage(data) {
		return nil, ferrors.Parse("bootimg.Parse", fmt.Errorf("missing ANDROID! magic"))
	}
	version := DetectHeaderVersion(data)
	if version >= 3 {
		return parseV3(data)
	}
	return parseV0V1V2(data)
}

func parseV0V1V2(data []byte) (*Info, error) {
	if len(data) < headerV0V2 {
		return nil, ferrors.Parse("bootimg.parseV0V1V2", fmt.Errorf("image too small for boot header"))
	}

	off := magicSize
	kernelSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	kernelAddr := binary.LittleEndian.Uint32(data[off:])
	off += 4
	ramdiskSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	ramdiskAddr := binary.LittleEndian.Uint32(data[off:])
	off += 4
	secondSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	secondAddr := binary.LittleEndian.Uint32(data[off:])
	off += 4
	tagsAddr := binary.LittleEndian.Uint32(data[off:])
	off += 4
	pageSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	headerVersion := binary.LittleEndian.Uint32(data[off:])
	off += 4
	off += 4 // os_version
	name := cstring(data[off : off+nameSize])
	off += nameSize
	cmdline := cstring(data[off : off+cmdlineSize])
	off += cmdlineSize
	off += idWords * 4 // sha digest, unused
	off += extraCmdline

	info := &Info{
		HeaderVersion: headerVersion,
		PageSize:      pageSize,
		KernelSize:    kernelSize,
		RamdiskSize:   ramdiskSize,
		SecondSize:    secondSize,
		KernelAddr:    kernelAddr,
		RamdiskAddr:   ramdiskAddr,
		SecondAddr:    secondAddr,
		TagsAddr:      tagsAddr,
		Name:          name,
		Cmdline:       cmdline,
	}

	if info.PageSize == 0 || info.PageSize > 0x10000 {
		return nil, ferrors.Parse("bootimg.parseV0V1V2", fmt.Errorf("invalid page size: %d", info.PageSize))
	}

	info.KernelOffset = uint64(info.PageSize)
	info.RamdiskOffset = alignToPage(info.KernelOffset+uint64(info.KernelSize), info.PageSize)
	info.SecondOffset = alignToPage(info.RamdiskOffset+uint64(info.RamdiskSize), info.PageSize)

	if info.HeaderVersion >= 1 {
		v1Off := headerV0V2
		if len(data) >= v1Off+v1ExtraSize {
			info.RecoveryDtboSize = binary.LittleEndian.Uint32(data[v1Off:])
			info.RecoveryDtboOffset = binary.LittleEndian.Uint64(data[v1Off+4:])
		}
	}

	if info.HeaderVersion >= 2 {
		v2Off := headerV0V2 + v1ExtraSize
		if len(data) >= v2Off+v2ExtraSize {
			info.DtbSize = binary.LittleEndian.Uint32(data[v2Off:])
			info.DtbOffset = alignToPage(info.SecondOffset+uint64(info.SecondSize), info.PageSize)
		}
	}

	return info, nil
}

func parseV3(data []byte) (*Info, error) {
	if len(data) < v3HeaderSize {
		return nil, ferrors.Parse("bootimg.parseV3", fmt.Errorf("image too small for v3 boot header"))
	}

	off := magicSize
	kernelSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	ramdiskSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	off += 4 // os_version
	headerSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	off += 4 * 4 // reserved
	headerVersion := binary.LittleEndian.Uint32(data[off:])
	off += 4
	cmdline := cstring(data[off : off+1536])

	info := &Info{
		HeaderVersion: headerVersion,
		PageSize:      v3PageSize,
		KernelSize:    kernelSize,
		RamdiskSize:   ramdiskSize,
		Cmdline:       cmdline,
	}
	info.KernelOffset = alignToPage(uint64(headerSize), info.PageSize)
	info.RamdiskOffset = alignToPage(info.KernelOffset+uint64(info.KernelSize), info.PageSize)
	return info, nil
}

func alignToPage(offset uint64, pageSize uint32) uint64 {
	if pageSize == 0 {
		return offset
	}
	p := uint64(pageSize)
	return ((offset + p - 1) / p) * p
}

func cstring(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func slice(data []byte, offset uint64, size uint32) []byte {
	if size == 0 || offset+uint64(size) > uint64(len(data)) {
		return nil
	}
	return data[offset : offset+uint64(size)]
}

// ExtractKernel returns the kernel image slice, or nil if absent.
func (i *Info) ExtractKernel(data []byte) []byte {
	if !i.IsValid() {
		return nil
	}
	return slice(data, i.KernelOffset, i.KernelSize)
}

// ExtractRamdisk returns the ramdisk image slice, or nil if absent.
func (i *Info) ExtractRamdisk(data []byte) []byte {
	if !i.IsValid() {
		return nil
	}
	return slice(data, i.RamdiskOffset, i.RamdiskSize)
}

// ExtractSecond returns the second-stage loader slice, or nil if absent.
func (i *Info) ExtractSecond(data []byte) []byte {
	if !i.IsValid() {
		return nil
	}
	return slice(data, i.SecondOffset, i.SecondSize)
}

// ExtractDtb returns the device tree blob slice (header v2+ only).
func (i *Info) ExtractDtb(data []byte) []byte {
	if !i.IsValid() || i.HeaderVersion < 2 {
		return nil
	}
	return slice(data, i.DtbOffset, i.DtbSize)
}

// ExtractRecoveryDtbo returns the recovery DTBO slice (header v1+ only).
func (i *Info) ExtractRecoveryDtbo(data []byte) []byte {
	if !i.IsValid() || i.HeaderVersion < 1 {
		return nil
	}
	return slice(data, i.RecoveryDtboOffset, i.RecoveryDtboSize)
}
