// Package crc implements the two checksums the protocol stacks need:
// the Spreadtrum CRC-16 variant (initial value 0, polynomial 0x1021,
// MSB-first) used by HDLC framing, and CRC-32/IEEE used by GPT header
// and partition-entry-array validation. CRC-32 is stdlib hash/crc32;
// CRC-16 has no stdlib equivalent so it is hand-rolled the way the
// teacher hand-rolls Bitmain's CRC-16 lookup tables in
// internal/driver/device/usb_device.go.
package crc

import "hash/crc32"

// CRC16Spreadtrum computes the big-endian-appended CRC-16 used to
// trail every Spreadtrum HDLC payload. Unlike CCITT-ordinary, the
// initial value is 0 (not 0xFFFF) and the result is bit-for-bit a
// standard CRC-16/XMODEM.
func CRC16Spreadtrum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC32IEEE is the standard IEEE CRC-32 used by GPT header and
// partition-entry-array checksums.
func CRC32IEEE(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
