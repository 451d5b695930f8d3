// Package sparse implements Android's sparse image format: decode to
// raw, and encode raw into size-capped sparse chunks for devices with
// a maximum download size (spec.md §3 SparseImage, §4.12, §8).
package sparse

import (
	"encoding/binary"
	"fmt"

	"flashengine/internal/ferrors"
)

const (
	Magic             uint32 = 0xED26FF3A
	headerSize               = 28
	chunkHeaderSize           = 12
	MajorVersion      uint16 = 1
	MinorVersion      uint16 = 0
)

// ChunkType identifies one sparse chunk's payload shape.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

// Chunk is one decoded sparse chunk.
type Chunk struct {
	Type       ChunkType
	Blocks     uint32 // blocks this chunk expands to in the raw stream
	RawData    []byte // for ChunkRaw: the literal block data
	FillValue  uint32 // for ChunkFill: the repeated 32-bit value
	CRC32      uint32 // for ChunkCRC32
}

// Image is a parsed sparse image header plus its chunk list.
type Image struct {
	BlockSize   uint32
	TotalBlocks uint32
	Chunks      []Chunk
}

// Parse decodes a sparse image header and its chunk list (it does not
// itself expand chunks to raw bytes; call ToRaw for that).
func Parse(data []byte) (*Image, error) {
	if len(data) < headerSize {
		return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("buffer shorter than sparse header"))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("bad magic: got 0x%08x want 0x%08x", magic, Magic))
	}
	blockSize := binary.LittleEndian.Uint32(data[12:16])
	totalBlocks := binary.LittleEndian.Uint32(data[16:20])
	totalChunks := binary.LittleEndian.Uint32(data[20:24])

	img := &Image{BlockSize: blockSize, TotalBlocks: totalBlocks}
	off := headerSize
	for i := uint32(0); i < totalChunks; i++ {
		if off+chunkHeaderSize > len(data) {
			return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("truncated chunk header at chunk %d", i))
		}
		chunkType := ChunkType(binary.LittleEndian.Uint16(data[off:]))
		chunkSize := binary.LittleEndian.Uint32(data[off+4:])
		totalSize := binary.LittleEndian.Uint32(data[off+8:])
		bodySize := int(totalSize) - chunkHeaderSize
		bodyOff := off + chunkHeaderSize
		if bodyOff+bodySize > len(data) || bodySize < 0 {
			return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("truncated chunk body at chunk %d", i))
		}
		body := data[bodyOff : bodyOff+bodySize]

		c := Chunk{Type: chunkType, Blocks: chunkSize}
		switch chunkType {
		case ChunkRaw:
			c.RawData = body
		case ChunkFill:
			if len(body) < 4 {
				return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("fill chunk %d missing fill value", i))
			}
			c.FillValue = binary.LittleEndian.Uint32(body)
		case ChunkDontCare:
			// No payload.
		case ChunkCRC32:
			if len(body) < 4 {
				return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("crc32 chunk %d missing value", i))
			}
			c.CRC32 = binary.LittleEndian.Uint32(body)
		default:
			return nil, ferrors.Parse("sparse.Parse", fmt.Errorf("unknown chunk type 0x%04x at chunk %d", chunkType, i))
		}
		img.Chunks = append(img.Chunks, c)
		off += int(totalSize)
	}
	return img, nil
}

// ToRaw replays Raw/Fill/DontCare chunks into a single raw byte
// stream of size BlockSize*TotalBlocks, ignoring Crc32 chunks.
// len(ToRaw(img)) == img.BlockSize*img.TotalBlocks always holds
// (spec.md §8 quantified invariant).
func (img *Image) ToRaw() []byte {
	out := make([]byte, int(img.BlockSize)*int(img.TotalBlocks))
	pos := 0
	for _, c := range img.Chunks {
		n := int(c.Blocks) * int(img.BlockSize)
		switch c.Type {
		case ChunkRaw:
			copy(out[pos:pos+n], c.RawData)
		case ChunkFill:
			fillBlock(out[pos:pos+n], c.FillValue)
		case ChunkDontCare:
			// Zero-fill: out is already zeroed by make().
		case ChunkCRC32:
			// No raw contribution.
			continue
		}
		pos += n
	}
	return out
}

func fillBlock(dst []byte, value uint32) {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], value)
	for i := 0; i+4 <= len(dst); i += 4 {
		copy(dst[i:i+4], v[:])
	}
}

// EncodeRaw splits a raw buffer into one or more sparse images, each
// Raw-chunk-encoded, such that every output image's total serialized
// size is at most capBytes. Every output chunk retains the original
// TotalBlocks in its header (so each image individually reports the
// full image size) while reporting its own chunk count — the caller
// flashes the returned images in order.
func EncodeRaw(raw []byte, blockSize uint32, capBytes int) ([][]byte, error) {
	if blockSize == 0 {
		return nil, ferrors.Parse("sparse.EncodeRaw", fmt.Errorf("block size must be non-zero"))
	}
	if len(raw)%int(blockSize) != 0 {
		return nil, ferrors.Parse("sparse.EncodeRaw", fmt.Errorf("raw buffer length %d not a multiple of block size %d", len(raw), blockSize))
	}
	if capBytes <= headerSize+chunkHeaderSize {
		return nil, ferrors.Parse("sparse.EncodeRaw", fmt.Errorf("cap %d too small to hold even one chunk", capBytes))
	}

	totalBlocks := uint32(len(raw)) / blockSize
	maxBlocksPerChunk := (capBytes - headerSize - chunkHeaderSize) / int(blockSize)
	if maxBlocksPerChunk < 1 {
		maxBlocksPerChunk = 1
	}

	var images [][]byte
	blocksLeft := totalBlocks
	pos := 0
	for blocksLeft > 0 {
		var chunkBlockCounts []uint32
		size := headerSize
		for blocksLeft > 0 {
			blocks := blocksLeft
			if int(blocks) > maxBlocksPerChunk {
				blocks = uint32(maxBlocksPerChunk)
			}
			chunkBytes := chunkHeaderSize + int(blocks)*int(blockSize)
			if size+chunkBytes > capBytes && len(chunkBlockCounts) > 0 {
				break
			}
			chunkBlockCounts = append(chunkBlockCounts, blocks)
			size += chunkBytes
			blocksLeft -= blocks
			if size >= capBytes {
				break
			}
		}

		buf := make([]byte, 0, size)
		header := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(header[0:4], Magic)
		binary.LittleEndian.PutUint16(header[4:6], MajorVersion)
		binary.LittleEndian.PutUint16(header[6:8], MinorVersion)
		binary.LittleEndian.PutUint16(header[8:10], headerSize)
		binary.LittleEndian.PutUint16(header[10:12], chunkHeaderSize)
		binary.LittleEndian.PutUint32(header[12:16], blockSize)
		binary.LittleEndian.PutUint32(header[16:20], totalBlocks)
		binary.LittleEndian.PutUint32(header[20:24], uint32(len(chunkBlockCounts)))
		buf = append(buf, header...)

		for _, blocks := range chunkBlockCounts {
			n := int(blocks) * int(blockSize)
			chunkHeader := make([]byte, chunkHeaderSize)
			binary.LittleEndian.PutUint16(chunkHeader[0:2], uint16(ChunkRaw))
			binary.LittleEndian.PutUint32(chunkHeader[4:8], blocks)
			binary.LittleEndian.PutUint32(chunkHeader[8:12], uint32(chunkHeaderSize+n))
			buf = append(buf, chunkHeader...)
			buf = append(buf, raw[pos:pos+n]...)
			pos += n
		}
		images = append(images, buf)
	}
	return images, nil
}

// SplitForTransfer groups an already-parsed image's chunks into
// self-contained sub-images of at most maxDownloadSize serialized
// bytes each. A Raw chunk too large for one sub-image is split at block
// boundaries into several Raw chunks; other chunks are kept whole. Each returned
// image carries its own header reporting only the blocks it contains
// (unlike EncodeRaw's per-image headers, which all report the full
// image size) — the flasher has no prior knowledge of the other
// chunks' totals when these are sent one at a time against a
// negotiated max-download-size. If the image already fits within
// maxDownloadSize, one element is returned.
func SplitForTransfer(img *Image, maxDownloadSize int) ([][]byte, error) {
	if maxDownloadSize <= headerSize+chunkHeaderSize {
		return nil, ferrors.Parse("sparse.SplitForTransfer", fmt.Errorf("max download size %d too small to hold even one chunk", maxDownloadSize))
	}

	var images [][]byte
	var group []Chunk
	groupBlocks := uint32(0)
	groupSize := headerSize

	flush := func() {
		if len(group) == 0 {
			return
		}
		images = append(images, serializeImage(img.BlockSize, groupBlocks, group))
		group = nil
		groupBlocks = 0
		groupSize = headerSize
	}

	maxRawBlocks := 0
	if img.BlockSize > 0 {
		maxRawBlocks = (maxDownloadSize - headerSize - chunkHeaderSize) / int(img.BlockSize)
	}
	var chunks []Chunk
	for _, c := range img.Chunks {
		for c.Type == ChunkRaw && maxRawBlocks > 0 && int(c.Blocks) > maxRawBlocks && len(c.RawData) > maxRawBlocks*int(img.BlockSize) {
			n := maxRawBlocks * int(img.BlockSize)
			chunks = append(chunks, Chunk{Type: ChunkRaw, Blocks: uint32(maxRawBlocks), RawData: c.RawData[:n]})
			c.Blocks -= uint32(maxRawBlocks)
			c.RawData = c.RawData[n:]
		}
		chunks = append(chunks, c)
	}

	for _, c := range chunks {
		size, err := serializedChunkSize(c)
		if err != nil {
			return nil, ferrors.Parse("sparse.SplitForTransfer", err)
		}
		if headerSize+size > maxDownloadSize {
			return nil, ferrors.Parse("sparse.SplitForTransfer", fmt.Errorf("chunk of %d bytes exceeds max download size %d on its own", size, maxDownloadSize))
		}
		if groupSize+size > maxDownloadSize && len(group) > 0 {
			flush()
		}
		group = append(group, c)
		groupBlocks += c.Blocks
		groupSize += size
	}
	flush()
	return images, nil
}

func serializedChunkSize(c Chunk) (int, error) {
	switch c.Type {
	case ChunkRaw:
		return chunkHeaderSize + len(c.RawData), nil
	case ChunkFill:
		return chunkHeaderSize + 4, nil
	case ChunkDontCare:
		return chunkHeaderSize, nil
	case ChunkCRC32:
		return chunkHeaderSize + 4, nil
	default:
		return 0, fmt.Errorf("unknown chunk type 0x%04x", c.Type)
	}
}

func serializeImage(blockSize, totalBlocks uint32, chunks []Chunk) []byte {
	buf := make([]byte, 0, headerSize+len(chunks)*chunkHeaderSize)
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], MajorVersion)
	binary.LittleEndian.PutUint16(header[6:8], MinorVersion)
	binary.LittleEndian.PutUint16(header[8:10], headerSize)
	binary.LittleEndian.PutUint16(header[10:12], chunkHeaderSize)
	binary.LittleEndian.PutUint32(header[12:16], blockSize)
	binary.LittleEndian.PutUint32(header[16:20], totalBlocks)
	binary.LittleEndian.PutUint32(header[20:24], uint32(len(chunks)))
	buf = append(buf, header...)

	for _, c := range chunks {
		chunkHeader := make([]byte, chunkHeaderSize)
		binary.LittleEndian.PutUint16(chunkHeader[0:2], uint16(c.Type))
		binary.LittleEndian.PutUint32(chunkHeader[4:8], c.Blocks)

		var body []byte
		switch c.Type {
		case ChunkRaw:
			body = c.RawData
		case ChunkFill:
			body = make([]byte, 4)
			binary.LittleEndian.PutUint32(body, c.FillValue)
		case ChunkDontCare:
			body = nil
		case ChunkCRC32:
			body = make([]byte, 4)
			binary.LittleEndian.PutUint32(body, c.CRC32)
		}
		binary.LittleEndian.PutUint32(chunkHeader[8:12], uint32(chunkHeaderSize+len(body)))
		buf = append(buf, chunkHeader...)
		buf = append(buf, body...)
	}
	return buf
}
