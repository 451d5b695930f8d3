// Package xflash implements MediaTek's XFlash binary protocol, spoken
// by DA2 once it has taken over from the boot ROM: a 12-byte framed
// envelope (magic, data type, command, length) wrapping either a
// command request, a status reply, or a raw data block. Grounded on
// xflash_client.h/.cpp in the original source: XFlashClient's
// send/recv framing, its 256 KiB streaming block size for flash I/O,
// and its trailing status-code convention (the response envelope's
// Command field carries 0 for success and a negative MediaTek error
// code otherwise).
package xflash

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/transport"
)

// Magic identifies an XFlash-framed envelope.
const Magic uint32 = 0xFEEEEEEF

const (
	headerSize = 12

	dtCommand uint16 = 1
	dtData    uint16 = 2
	dtStatus  uint16 = 3

	cmdGetGpt          uint16 = 0x01
	cmdReadPartition   uint16 = 0x02
	cmdWritePartition  uint16 = 0x03
	cmdErasePartition  uint16 = 0x04
	cmdFormatPartition uint16 = 0x05
	cmdReadFlash       uint16 = 0x06
	cmdWriteFlash      uint16 = 0x07
	cmdGetDaInfo       uint16 = 0x08
	cmdShutdown        uint16 = 0x09
	cmdReboot          uint16 = 0x0A

	// StreamBlockSize is the chunk size DA2 accepts per write and
	// returns per read for flash I/O.
	StreamBlockSize = 256 * 1024

	// maxPayload guards against a corrupt/hostile length field driving
	// an unbounded allocation.
	maxPayload = 256 * 1024 * 1024

	ioTimeout = 30 * time.Second
)

// ProgressFunc reports (bytesDone, bytesTotal) during a streamed
// partition read or write.
type ProgressFunc func(done, total int64)

type header struct {
	dataType uint16
	command  uint16
	length   uint32
}

func (h header) encode() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint16(b[4:6], h.dataType)
	binary.LittleEndian.PutUint16(b[6:8], h.command)
	binary.LittleEndian.PutUint32(b[8:12], h.length)
	return b
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("buffer shorter than xflash header")
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != Magic {
		return header{}, fmt.Errorf("bad magic: got 0x%08x want 0x%08x", magic, Magic)
	}
	h := header{
		dataType: binary.LittleEndian.Uint16(b[4:6]),
		command:  binary.LittleEndian.Uint16(b[6:8]),
		length:   binary.LittleEndian.Uint32(b[8:12]),
	}
	if h.length > maxPayload {
		return header{}, fmt.Errorf("length %d exceeds safety cap %d", h.length, maxPayload)
	}
	return h, nil
}

// Client drives one XFlash session over a Transport.
type Client struct {
	t   transport.Transport
	bus *events.Bus
}

// New creates a Client bound to t.
func New(t transport.Transport, bus *events.Bus) *Client {
	return &Client{t: t, bus: bus}
}

func (c *Client) sendCommand(cmd uint16, payload []byte) error {
	hdr := header{dataType: dtCommand, command: cmd, length: uint32(len(payload))}
	if _, err := c.t.Write(hdr.encode()); err != nil {
		return ferrors.Transport("xflash.sendCommand", err)
	}
	if len(payload) > 0 {
		if _, err := c.t.Write(payload); err != nil {
			return ferrors.Transport("xflash.sendCommand", err)
		}
	}
	return nil
}

func (c *Client) recvHeader() (header, error) {
	raw, err := c.t.ReadExact(headerSize, ioTimeout)
	if err != nil {
		return header{}, ferrors.Transport("xflash.recvHeader", err)
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return header{}, ferrors.Framing("xflash.recvHeader", err)
	}
	return h, nil
}

// checkStatus reads a status envelope and maps its command field to an
// error: 0 means success, any other value is a MediaTek error code.
func (c *Client) checkStatus(op string) error {
	h, err := c.recvHeader()
	if err != nil {
		return err
	}
	if h.dataType != dtStatus {
		return ferrors.Protocol(op, fmt.Errorf("expected status envelope, got data type %d", h.dataType))
	}
	if h.command != 0 {
		return ferrors.Protocol(op, fmt.Errorf("device reported status code %d", int16(h.command)))
	}
	return nil
}

func (c *Client) recvData(op string, want int) ([]byte, error) {
	h, err := c.recvHeader()
	if err != nil {
		return nil, err
	}
	if h.dataType != dtData {
		return nil, ferrors.Protocol(op, fmt.Errorf("expected data envelope, got data type %d", h.dataType))
	}
	if want >= 0 && int(h.length) != want {
		return nil, ferrors.Protocol(op, fmt.Errorf("data envelope length %d, want %d", h.length, want))
	}
	body, err := c.t.ReadExact(int(h.length), ioTimeout)
	if err != nil {
		return nil, ferrors.Transport(op, err)
	}
	return body, nil
}

// GetGpt reads the raw GPT image (primary header + partition entry
// array) from the given storage slot.
func (c *Client) GetGpt(ctx context.Context, slot uint32, sizeBytes int) ([]byte, error) {
	args := make([]byte, 4)
	binary.LittleEndian.PutUint32(args, slot)
	if err := c.sendCommand(cmdGetGpt, args); err != nil {
		return nil, err
	}
	data, err := c.recvData("xflash.GetGpt", sizeBytes)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus("xflash.GetGpt"); err != nil {
		return nil, err
	}
	return data, nil
}

func partitionArgs(name string, offset, size uint64) []byte {
	args := make([]byte, 64+16)
	copy(args, name)
	binary.LittleEndian.PutUint64(args[64:], offset)
	binary.LittleEndian.PutUint64(args[72:], size)
	return args
}

// ReadPartition streams name's contents back in StreamBlockSize chunks.
func (c *Client) ReadPartition(ctx context.Context, name string, offset, size uint64, progress ProgressFunc) ([]byte, error) {
	if err := c.sendCommand(cmdReadPartition, partitionArgs(name, offset, size)); err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	var done uint64
	for done < size {
		if err := ctx.Err(); err != nil {
			return nil, ferrors.Transport("xflash.ReadPartition", err)
		}
		want := uint64(StreamBlockSize)
		if size-done < want {
			want = size - done
		}
		body, err := c.recvData("xflash.ReadPartition", int(want))
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
		done += uint64(len(body))
		if progress != nil {
			progress(int64(done), int64(size))
		}
	}
	if err := c.checkStatus("xflash.ReadPartition"); err != nil {
		return nil, err
	}
	return out, nil
}

// WritePartition streams data to name in StreamBlockSize chunks.
func (c *Client) WritePartition(ctx context.Context, name string, offset uint64, data []byte, progress ProgressFunc) error {
	if err := c.sendCommand(cmdWritePartition, partitionArgs(name, offset, uint64(len(data)))); err != nil {
		return err
	}
	for off := 0; off < len(data); off += StreamBlockSize {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("xflash.WritePartition", err)
		}
		end := off + StreamBlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		hdr := header{dataType: dtData, command: 0, length: uint32(len(chunk))}
		if _, err := c.t.Write(hdr.encode()); err != nil {
			return ferrors.Transport("xflash.WritePartition", err)
		}
		if _, err := c.t.Write(chunk); err != nil {
			return ferrors.Transport("xflash.WritePartition", err)
		}
		if progress != nil {
			progress(int64(end), int64(len(data)))
		}
	}
	return c.checkStatus("xflash.WritePartition")
}

// ErasePartition zeroes name's [offset, offset+size) range.
func (c *Client) ErasePartition(ctx context.Context, name string, offset, size uint64) error {
	if err := c.sendCommand(cmdErasePartition, partitionArgs(name, offset, size)); err != nil {
		return err
	}
	return c.checkStatus("xflash.ErasePartition")
}

// FormatPartition issues a full-partition format (used for filesystem
// partitions where a plain erase is insufficient).
func (c *Client) FormatPartition(ctx context.Context, name string) error {
	args := make([]byte, 64)
	copy(args, name)
	if err := c.sendCommand(cmdFormatPartition, args); err != nil {
		return err
	}
	return c.checkStatus("xflash.FormatPartition")
}

// ReadFlash reads a raw [address, address+size) range irrespective of
// partition boundaries (used for GPT/preloader regions).
func (c *Client) ReadFlash(ctx context.Context, address, size uint64) ([]byte, error) {
	args := make([]byte, 16)
	binary.LittleEndian.PutUint64(args[0:], address)
	binary.LittleEndian.PutUint64(args[8:], size)
	if err := c.sendCommand(cmdReadFlash, args); err != nil {
		return nil, err
	}
	data, err := c.recvData("xflash.ReadFlash", int(size))
	if err != nil {
		return nil, err
	}
	return data, c.checkStatus("xflash.ReadFlash")
}

// WriteFlash writes data at a raw address, bypassing partition lookup.
func (c *Client) WriteFlash(ctx context.Context, address uint64, data []byte) error {
	args := make([]byte, 16)
	binary.LittleEndian.PutUint64(args[0:], address)
	binary.LittleEndian.PutUint64(args[8:], uint64(len(data)))
	if err := c.sendCommand(cmdWriteFlash, args); err != nil {
		return err
	}
	hdr := header{dataType: dtData, command: 0, length: uint32(len(data))}
	if _, err := c.t.Write(hdr.encode()); err != nil {
		return ferrors.Transport("xflash.WriteFlash", err)
	}
	if _, err := c.t.Write(data); err != nil {
		return ferrors.Transport("xflash.WriteFlash", err)
	}
	return c.checkStatus("xflash.WriteFlash")
}

// DaInfo is DA2's self-reported version string and feature flags.
type DaInfo struct {
	Version string
	Flags   uint32
}

// GetDaInfo reads DA2's version/feature report.
func (c *Client) GetDaInfo(ctx context.Context) (DaInfo, error) {
	if err := c.sendCommand(cmdGetDaInfo, nil); err != nil {
		return DaInfo{}, err
	}
	data, err := c.recvData("xflash.GetDaInfo", -1)
	if err != nil {
		return DaInfo{}, err
	}
	if err := c.checkStatus("xflash.GetDaInfo"); err != nil {
		return DaInfo{}, err
	}
	if len(data) < 4 {
		return DaInfo{}, ferrors.Parse("xflash.GetDaInfo", fmt.Errorf("DA info payload too short"))
	}
	flags := binary.LittleEndian.Uint32(data[len(data)-4:])
	return DaInfo{Version: string(data[:len(data)-4]), Flags: flags}, nil
}

// Shutdown powers the device off.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.sendCommand(cmdShutdown, nil); err != nil {
		return err
	}
	return c.checkStatus("xflash.Shutdown")
}

// Reboot resets the device.
func (c *Client) Reboot(ctx context.Context) error {
	if err := c.sendCommand(cmdReboot, nil); err != nil {
		return err
	}
	return c.checkStatus("xflash.Reboot")
}
