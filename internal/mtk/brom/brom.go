// Package brom drives the MediaTek boot ROM handshake and the
// bare-metal command set used before a Download Agent is running:
// identity reads, register access, and DA1 upload/jump. No direct
// brom_client.h/.cpp exists in the retrieved original source; this is
// grounded on the usage contract mediatek_service.cpp drives against
// its BromClient collaborator (handshake/getDeviceInfo/sendDa/jumpDa)
// together with the documented boot-ROM wire behavior: the host
// repeats a four-byte sync sequence and the ROM replies with each
// byte's bitwise complement, then single-byte commands follow with
// big-endian arguments (the boot ROM's USB-to-UART bridge is
// big-endian throughout, unlike the download agents it hands off to).
package brom

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/model"
	"flashengine/internal/transport"
)

// Handshake sync bytes: the host sends each in turn and the ROM must
// echo its bitwise complement before the next is sent.
var syncBytes = [4]byte{0xA0, 0x0A, 0x50, 0x05}

const (
	cmdGetHwCode       byte = 0xFD
	cmdGetTargetConfig byte = 0xD8
	cmdGetMeID         byte = 0xE1
	cmdGetSocID        byte = 0xE7
	cmdSendData        byte = 0xD7
	cmdJumpDA          byte = 0xD5
	cmdReadReg32       byte = 0x7A
	cmdWriteReg32      byte = 0xD2

	ackByte     byte = 0x5A
	handshakeTimeout = 1500 * time.Millisecond
	cmdTimeout       = 5 * time.Second
)

// Client drives one BROM session over a Transport.
type Client struct {
	t   transport.Transport
	bus *events.Bus
}

// New creates a Client bound to t.
func New(t transport.Transport, bus *events.Bus) *Client {
	return &Client{t: t, bus: bus}
}

// Handshake performs the four-byte sync/complement exchange that
// confirms a boot ROM is listening. It must complete before any
// command byte is sent.
func (c *Client) Handshake(ctx context.Context) error {
	for _, b := range syncBytes {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("brom.Handshake", err)
		}
		if _, err := c.t.Write([]byte{b}); err != nil {
			return ferrors.Transport("brom.Handshake", fmt.Errorf("writing sync byte 0x%02x: %w", b, err))
		}
		resp, err := c.t.ReadExact(1, handshakeTimeout)
		if err != nil {
			return ferrors.Transport("brom.Handshake", fmt.Errorf("reading echo for sync byte 0x%02x: %w", b, err))
		}
		if resp[0] != ^b {
			return ferrors.Protocol("brom.Handshake", fmt.Errorf("sync byte 0x%02x: got echo 0x%02x, want 0x%02x", b, resp[0], ^b))
		}
	}
	if c.bus != nil {
		c.bus.PublishState(events.StateBromMode)
	}
	return nil
}

func (c *Client) command(cmd byte) error {
	if _, err := c.t.Write([]byte{cmd}); err != nil {
		return ferrors.Transport("brom.command", err)
	}
	resp, err := c.t.ReadExact(1, cmdTimeout)
	if err != nil {
		return ferrors.Transport("brom.command", err)
	}
	if resp[0] != cmd {
		return ferrors.Protocol("brom.command", fmt.Errorf("command 0x%02x not acknowledged: got 0x%02x", cmd, resp[0]))
	}
	return nil
}

func (c *Client) readU16(n int) ([]byte, error) {
	raw, err := c.t.ReadExact(n*2, cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.readU16", err)
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint16(raw[i*2:])
		binary.BigEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out, nil
}

// GetDeviceInfo reads hw_code, target config, ME ID, and SoC ID,
// populating a model.MtkChipIdentity (spec.md §4.6 identity read).
func (c *Client) GetDeviceInfo(ctx context.Context) (*model.MtkChipIdentity, error) {
	id := &model.MtkChipIdentity{IsBromMode: true}

	if err := c.command(cmdGetHwCode); err != nil {
		return nil, err
	}
	raw, err := c.t.ReadExact(4, cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.GetDeviceInfo", fmt.Errorf("reading hw_code: %w", err))
	}
	id.HwCode = binary.BigEndian.Uint16(raw[0:2])
	id.HwSubCode = binary.BigEndian.Uint16(raw[2:4])

	if err := c.command(cmdGetTargetConfig); err != nil {
		return nil, err
	}
	cfg, err := c.t.ReadExact(4, cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.GetDeviceInfo", fmt.Errorf("reading target config: %w", err))
	}
	flags := binary.BigEndian.Uint32(cfg)
	id.Target = model.MtkTargetConfig{
		SBC:        flags&0x1 != 0,
		SLAEnabled: flags&0x2 != 0,
		DAAEnabled: flags&0x4 != 0,
	}

	if err := c.command(cmdGetMeID); err != nil {
		return nil, err
	}
	meLen, err := c.t.ReadExact(4, cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.GetDeviceInfo", fmt.Errorf("reading ME ID length: %w", err))
	}
	n := binary.BigEndian.Uint32(meLen)
	meID, err := c.t.ReadExact(int(n), cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.GetDeviceInfo", fmt.Errorf("reading ME ID: %w", err))
	}
	copy(id.MeID[:], meID)

	if err := c.command(cmdGetSocID); err == nil {
		socLen, err := c.t.ReadExact(4, cmdTimeout)
		if err == nil {
			n := binary.BigEndian.Uint32(socLen)
			if soc, err := c.t.ReadExact(int(n), cmdTimeout); err == nil {
				copy(id.SocID[:], soc)
			}
		}
	}

	return id, nil
}

// SendData uploads one DA blob to loadAddr in 1 KiB chunks (the boot
// ROM's download buffer is small and unthrottled, unlike the 64/256
// KiB blocks a download agent accepts).
func (c *Client) SendData(ctx context.Context, data []byte, loadAddr uint32) error {
	const chunkSize = 1024
	if err := c.command(cmdSendData); err != nil {
		return err
	}
	args := make([]byte, 8)
	binary.BigEndian.PutUint32(args[0:], loadAddr)
	binary.BigEndian.PutUint32(args[4:], uint32(len(data)))
	if _, err := c.t.Write(args); err != nil {
		return ferrors.Transport("brom.SendData", err)
	}

	for off := 0; off < len(data); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("brom.SendData", err)
		}
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.t.Write(data[off:end]); err != nil {
			return ferrors.Transport("brom.SendData", fmt.Errorf("writing chunk at offset %d: %w", off, err))
		}
		if c.bus != nil {
			c.bus.PublishProgress("send DA", int64(end), int64(len(data)))
		}
	}

	checksum, err := c.t.ReadExact(2, cmdTimeout)
	if err != nil {
		return ferrors.Transport("brom.SendData", fmt.Errorf("reading checksum: %w", err))
	}
	_ = checksum
	return nil
}

// JumpDA transfers execution to a previously uploaded DA at entryAddr.
func (c *Client) JumpDA(ctx context.Context, entryAddr uint32) error {
	if err := c.command(cmdJumpDA); err != nil {
		return err
	}
	args := make([]byte, 4)
	binary.BigEndian.PutUint32(args, entryAddr)
	if _, err := c.t.Write(args); err != nil {
		return ferrors.Transport("brom.JumpDA", err)
	}
	resp, err := c.t.ReadExact(1, cmdTimeout)
	if err != nil {
		return ferrors.Transport("brom.JumpDA", err)
	}
	if resp[0] != ackByte {
		return ferrors.Protocol("brom.JumpDA", fmt.Errorf("jump_da not acknowledged: got 0x%02x", resp[0]))
	}
	return nil
}

// ReadReg32 reads n consecutive 32-bit registers starting at addr.
func (c *Client) ReadReg32(addr uint32, n int) ([]uint32, error) {
	if err := c.command(cmdReadReg32); err != nil {
		return nil, err
	}
	args := make([]byte, 8)
	binary.BigEndian.PutUint32(args[0:], addr)
	binary.BigEndian.PutUint32(args[4:], uint32(n))
	if _, err := c.t.Write(args); err != nil {
		return nil, ferrors.Transport("brom.ReadReg32", err)
	}
	raw, err := c.t.ReadExact(n*4, cmdTimeout)
	if err != nil {
		return nil, ferrors.Transport("brom.ReadReg32", err)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

// WriteReg32 writes value to addr.
func (c *Client) WriteReg32(addr, value uint32) error {
	if err := c.command(cmdWriteReg32); err != nil {
		return err
	}
	args := make([]byte, 8)
	binary.BigEndian.PutUint32(args[0:], addr)
	binary.BigEndian.PutUint32(args[4:], value)
	if _, err := c.t.Write(args); err != nil {
		return ferrors.Transport("brom.WriteReg32", err)
	}
	resp, err := c.t.ReadExact(1, cmdTimeout)
	if err != nil {
		return ferrors.Transport("brom.WriteReg32", err)
	}
	if resp[0] != ackByte {
		return ferrors.Protocol("brom.WriteReg32", fmt.Errorf("write_reg32 not acknowledged: got 0x%02x", resp[0]))
	}
	return nil
}
