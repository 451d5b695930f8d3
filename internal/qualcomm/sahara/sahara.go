// Package sahara implements Qualcomm's boot-ROM handshake protocol:
// version negotiation, chip-identity reads in command mode, and the
// loader upload loop that hands control to a Firehose programmer.
// Grounded on the fixed-size little-endian command framing referenced
// throughout qualcomm_service.h/firehose_client.h in the original
// source and generalized the way the teacher frames its own
// request/response structs over a raw transport.
package sahara

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

// Command IDs, per the Sahara protocol.
const (
	cmdHello              uint32 = 0x01
	cmdHelloResponse      uint32 = 0x02
	cmdReadData           uint32 = 0x03
	cmdEndImageTransfer   uint32 = 0x04
	cmdDone               uint32 = 0x05
	cmdDoneResponse       uint32 = 0x06
	cmdReset              uint32 = 0x07
	cmdResetResponse      uint32 = 0x08
	cmdCommandReady       uint32 = 0x0B
	cmdSwitchMode         uint32 = 0x0C
	cmdExecuteCommand     uint32 = 0x0D
	cmdExecuteResponse    uint32 = 0x0E
	cmdExecuteData        uint32 = 0x0F
)

// Execute-mode command subtypes used for chip-identity reads.
const (
	execCmdSerialNum     uint32 = 0x01
	execCmdMsmHWID       uint32 = 0x02
	execCmdOemPkHash     uint32 = 0x03
	execCmdSblVersion    uint32 = 0x07
)

const (
	minVersion   uint32 = 1
	maxVersion   uint32 = 2
	modeImageTx  uint32 = 0x00
	modeCommand  uint32 = 0x03
	headerLength = 8
	handshakeTimeout = 3 * time.Second
)

// Client drives one Sahara session over a Transport.
type Client struct {
	t   transport.Transport
	bus *events.Bus
}

// New creates a Client bound to t, optionally publishing progress and
// state events onto bus (nil disables event publication).
func New(t transport.Transport, bus *events.Bus) *Client {
	return &Client{t: t, bus: bus}
}

func (c *Client) publish(state events.State) {
	if c.bus != nil {
		c.bus.PublishState(state)
	}
}

// Hello performs the initial Hello/HelloResponse exchange and returns
// the negotiated protocol version.
func (c *Client) Hello(ctx context.Context, mode uint32) (uint32, error) {
	raw, err := c.t.ReadExact(48, handshakeTimeout)
	if err != nil {
		return 0, ferrors.Transport("sahara.Hello", fmt.Errorf("reading Hello: %w", err))
	}
	cmd := binary.LittleEndian.Uint32(raw[0:4])
	if cmd != cmdHello {
		return 0, ferrors.Protocol("sahara.Hello", fmt.Errorf("expected Hello (0x%02x), got 0x%02x", cmdHello, cmd))
	}
	version := binary.LittleEndian.Uint32(raw[8:12])
	versionMin := binary.LittleEndian.Uint32(raw[12:16])
	if versionMin > maxVersion || version < minVersion {
		return 0, ferrors.Protocol("sahara.Hello", fmt.Errorf("incompatible Sahara version range [%d,%d]", versionMin, version))
	}

	resp := make([]byte, 48)
	binary.LittleEndian.PutUint32(resp[0:], cmdHelloResponse)
	binary.LittleEndian.PutUint32(resp[4:], 48)
	binary.LittleEndian.PutUint32(resp[8:], version)
	binary.LittleEndian.PutUint32(resp[12:], versionMin)
	binary.LittleEndian.PutUint32(resp[16:], 0) // status = success
	binary.LittleEndian.PutUint32(resp[20:], mode)

	if _, err := c.t.Write(resp); err != nil {
		return 0, ferrors.Transport("sahara.Hello", fmt.Errorf("writing HelloResponse: %w", err))
	}
	return version, nil
}

// UploadLoader drives the ReadData loop: the boot ROM repeatedly asks
// for {offset, length} chunks until it sends EndImageTransfer.
func (c *Client) UploadLoader(ctx context.Context, loader []byte) error {
	c.publish(events.StateHandshaking)
	for {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("sahara.UploadLoader", err)
		}
		raw, err := c.t.ReadExact(headerLength, 30*time.Second)
		if err != nil {
			return ferrors.Transport("sahara.UploadLoader", fmt.Errorf("reading next command: %w", err))
		}
		cmd := binary.LittleEndian.Uint32(raw[0:4])
		switch cmd {
		case cmdReadData:
			body, err := c.t.ReadExact(16, 5*time.Second)
			if err != nil {
				return ferrors.Transport("sahara.UploadLoader", fmt.Errorf("reading ReadData body: %w", err))
			}
			offset := binary.LittleEndian.Uint32(body[0:4])
			length := binary.LittleEndian.Uint32(body[4:8])
			if int(offset)+int(length) > len(loader) {
				return ferrors.Protocol("sahara.UploadLoader", fmt.Errorf("ReadData request [%d,%d) exceeds loader size %d", offset, offset+length, len(loader)))
			}
			if _, err := c.t.Write(loader[offset : offset+length]); err != nil {
				return ferrors.Transport("sahara.UploadLoader", fmt.Errorf("writing loader chunk: %w", err))
			}
			if c.bus != nil {
				c.bus.PublishProgress("upload loader", int64(offset+length), int64(len(loader)))
			}
		case cmdEndImageTransfer:
			body, err := c.t.ReadExact(8, 5*time.Second)
			if err != nil {
				return ferrors.Transport("sahara.UploadLoader", fmt.Errorf("reading EndImageTransfer body: %w", err))
			}
			status := binary.LittleEndian.Uint32(body[4:8])
			if status != 0 {
				return ferrors.Protocol("sahara.UploadLoader", fmt.Errorf("EndImageTransfer reported status %d", status))
			}
			return nil
		default:
			return ferrors.Protocol("sahara.UploadLoader", fmt.Errorf("unexpected command 0x%02x during loader upload", cmd))
		}
	}
}

// EnterCommandMode switches the session to Command mode and waits for
// CommandReady, after which chip-identity reads can run.
func (c *Client) EnterCommandMode(ctx context.Context) error {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:], cmdSwitchMode)
	binary.LittleEndian.PutUint32(raw[4:], 12)
	binary.LittleEndian.PutUint32(raw[8:], modeCommand)
	if _, err := c.t.Write(raw); err != nil {
		return ferrors.Transport("sahara.EnterCommandMode", err)
	}
	resp, err := c.t.ReadExact(headerLength, handshakeTimeout)
	if err != nil {
		return ferrors.Transport("sahara.EnterCommandMode", err)
	}
	cmd := binary.LittleEndian.Uint32(resp[0:4])
	if cmd != cmdCommandReady {
		return ferrors.Protocol("sahara.EnterCommandMode", fmt.Errorf("expected CommandReady, got 0x%02x", cmd))
	}
	return nil
}

func (c *Client) executeCommand(subCmd uint32) ([]byte, error) {
	req := make([]byte, 12)
	binary.LittleEndian.PutUint32(req[0:], cmdExecuteCommand)
	binary.LittleEndian.PutUint32(req[4:], 12)
	binary.LittleEndian.PutUint32(req[8:], subCmd)
	if _, err := c.t.Write(req); err != nil {
		return nil, ferrors.Transport("sahara.executeCommand", err)
	}
	respHdr, err := c.t.ReadExact(16, handshakeTimeout)
	if err != nil {
		return nil, ferrors.Transport("sahara.executeCommand", err)
	}
	cmd := binary.LittleEndian.Uint32(respHdr[0:4])
	if cmd != cmdExecuteResponse {
		return nil, ferrors.Protocol("sahara.executeCommand", fmt.Errorf("expected ExecuteResponse, got 0x%02x", cmd))
	}
	dataLen := binary.LittleEndian.Uint32(respHdr[12:16])

	dataReq := make([]byte, 12)
	binary.LittleEndian.PutUint32(dataReq[0:], cmdExecuteData)
	binary.LittleEndian.PutUint32(dataReq[4:], 12)
	binary.LittleEndian.PutUint32(dataReq[8:], subCmd)
	if _, err := c.t.Write(dataReq); err != nil {
		return nil, ferrors.Transport("sahara.executeCommand", err)
	}
	data, err := c.t.ReadExact(int(dataLen), handshakeTimeout)
	if err != nil {
		return nil, ferrors.Transport("sahara.executeCommand", err)
	}
	return data, nil
}

// ReadChipIdentity reads serial number, MSM HW ID, and OEM PK hash via
// Command-mode execute requests.
func (c *Client) ReadChipIdentity() (*model.QualcommChipIdentity, error) {
	id := &model.QualcommChipIdentity{}

	if data, err := c.executeCommand(execCmdSerialNum); err == nil && len(data) >= 4 {
		id.Serial = binary.LittleEndian.Uint32(data[0:4])
	}
	if data, err := c.executeCommand(execCmdMsmHWID); err == nil && len(data) >= 4 {
		id.MsmID = binary.LittleEndian.Uint32(data[0:4])
	}
	if data, err := c.executeCommand(execCmdOemPkHash); err == nil && len(data) >= 32 {
		copy(id.PkHash[:], data[:32])
	}
	if data, err := c.executeCommand(execCmdSblVersion); err == nil && len(data) >= 4 {
		id.SblVersion = binary.LittleEndian.Uint32(data[0:4])
	}
	return id, nil
}

// Done sends the Done command and waits for DoneResponse with status
// success (0).
func (c *Client) Done() error {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:], cmdDone)
	binary.LittleEndian.PutUint32(req[4:], 8)
	if _, err := c.t.Write(req); err != nil {
		return ferrors.Transport("sahara.Done", err)
	}
	resp, err := c.t.ReadExact(12, handshakeTimeout)
	if err != nil {
		return ferrors.Transport("sahara.Done", err)
	}
	cmd := binary.LittleEndian.Uint32(resp[0:4])
	if cmd != cmdDoneResponse {
		return ferrors.Protocol("sahara.Done", fmt.Errorf("expected DoneResponse, got 0x%02x", cmd))
	}
	status := binary.LittleEndian.Uint32(resp[8:12])
	if status != 0 {
		return ferrors.Protocol("sahara.Done", fmt.Errorf("DoneResponse reported status %d", status))
	}
	return nil
}

// Reset sends the Reset command and waits for ResetResponse.
func (c *Client) Reset() error {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:], cmdReset)
	binary.LittleEndian.PutUint32(req[4:], 8)
	if _, err := c.t.Write(req); err != nil {
		return ferrors.Transport("sahara.Reset", err)
	}
	resp, err := c.t.ReadExact(8, handshakeTimeout)
	if err != nil {
		return ferrors.Transport("sahara.Reset", err)
	}
	cmd := binary.LittleEndian.Uint32(resp[0:4])
	if cmd != cmdResetResponse {
		return ferrors.Protocol("sahara.Reset", fmt.Errorf("expected ResetResponse, got 0x%02x", cmd))
	}
	return nil
}
