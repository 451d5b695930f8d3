// Package xmlda implements MediaTek's XML DA V6 protocol: DA2 commands
// expressed as `<da>...</da>` XML documents, wrapped in the same
// 12-byte envelope XFlash uses (magic/data-type/command/length), with
// a legacy fallback for older DA2 builds that instead prefix the raw
// XML with a bare 4-byte little-endian length and no envelope at all.
// Grounded on xml_da_client.h/.cpp in the original source: XmlDaClient
// sniffs which framing a connected DA2 speaks once during
// notifyInit and uses it for the rest of the session.
package xmlda

import (
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/transport"
)

// Magic matches xflash.Magic: the two protocols share one envelope.
const Magic uint32 = 0xFEEEEEEF

const (
	envelopeHeaderSize = 12
	dtCommand   uint16 = 1
	dtData      uint16 = 2
	dtStatus    uint16 = 3

	// maxXMLSize is a sanity cap on a single XML command/response
	// document; XML DA V6 commands are small control messages, never
	// bulk data (that travels as raw dtData blocks).
	maxXMLSize = 1 << 20

	// BinaryBlockSize is the chunk size used for DA2 binary uploads
	// (BOOT-TO) and partition data transfers.
	BinaryBlockSize = 256 * 1024

	ioTimeout = 30 * time.Second
)

// Client drives one XML DA V6 session over a Transport.
type Client struct {
	t   transport.Transport
	bus *events.Bus

	legacyFraming bool
}

// New creates a Client bound to t. The framing style is detected on
// the first exchange (NotifyInit) and remembered for the rest of the
// session.
func New(t transport.Transport, bus *events.Bus) *Client {
	return &Client{t: t, bus: bus}
}

func envelope(dataType uint16, payload []byte) []byte {
	b := make([]byte, envelopeHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint16(b[4:6], dataType)
	binary.LittleEndian.PutUint16(b[6:8], 0)
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(payload)))
	copy(b[envelopeHeaderSize:], payload)
	return b
}

func legacyFrame(payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(payload)))
	copy(b[4:], payload)
	return b
}

func (c *Client) sendXML(doc string) error {
	payload := []byte(doc)
	if len(payload) > maxXMLSize {
		return ferrors.Parse("xmlda.sendXML", fmt.Errorf("xml document of %d bytes exceeds sanity cap %d", len(payload), maxXMLSize))
	}
	frame := envelope(dtCommand, payload)
	if c.legacyFraming {
		frame = legacyFrame(payload)
	}
	if _, err := c.t.Write(frame); err != nil {
		return ferrors.Transport("xmlda.sendXML", err)
	}
	return nil
}

// recvXML reads one reply document, auto-detecting envelope vs legacy
// framing on the very first call.
func (c *Client) recvXML() (string, error) {
	peek, err := c.t.ReadExact(4, ioTimeout)
	if err != nil {
		return "", ferrors.Transport("xmlda.recvXML", err)
	}
	maybeMagic := binary.LittleEndian.Uint32(peek)

	if maybeMagic == Magic {
		c.legacyFraming = false
		rest, err := c.t.ReadExact(envelopeHeaderSize-4, ioTimeout)
		if err != nil {
			return "", ferrors.Transport("xmlda.recvXML", err)
		}
		hdr := append(peek, rest...)
		length := binary.LittleEndian.Uint32(hdr[8:12])
		if length > maxXMLSize {
			return "", ferrors.Framing("xmlda.recvXML", fmt.Errorf("xml response length %d exceeds sanity cap %d", length, maxXMLSize))
		}
		body, err := c.t.ReadExact(int(length), ioTimeout)
		if err != nil {
			return "", ferrors.Transport("xmlda.recvXML", err)
		}
		return string(body), nil
	}

	// Legacy framing: the 4 bytes already read are the length prefix.
	c.legacyFraming = true
	length := maybeMagic
	if length > maxXMLSize {
		return "", ferrors.Framing("xmlda.recvXML", fmt.Errorf("legacy xml response length %d exceeds sanity cap %d", length, maxXMLSize))
	}
	body, err := c.t.ReadExact(int(length), ioTimeout)
	if err != nil {
		return "", ferrors.Transport("xmlda.recvXML", err)
	}
	return string(body), nil
}

// response is the minimal shape every DA V6 reply document shares.
type response struct {
	XMLName xml.Name `xml:"da"`
	Result  string   `xml:"result"`
	Message string   `xml:"message"`
}

func (c *Client) exchange(op, doc string) (*response, error) {
	if err := c.sendXML(doc); err != nil {
		return nil, err
	}
	raw, err := c.recvXML()
	if err != nil {
		return nil, err
	}
	var resp response
	if err := xml.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, ferrors.Parse(op, fmt.Errorf("decoding xml response: %w", err))
	}
	if !strings.EqualFold(resp.Result, "ok") {
		return nil, ferrors.Protocol(op, fmt.Errorf("device reported: %s", resp.Message))
	}
	return &resp, nil
}

// NotifyInit is the first command sent to DA2: it tells the DA which
// chip it is running on and, as a side effect of the exchange,
// establishes which framing style this DA build speaks.
func (c *Client) NotifyInit(ctx context.Context, hwCode uint16) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><notify_init><hw_code>%d</hw_code></notify_init></da>`, hwCode)
	_, err := c.exchange("xmlda.NotifyInit", doc)
	return err
}

// SetFlashPolicy toggles DA2-side checksum/verify policy before bulk
// I/O begins.
func (c *Client) SetFlashPolicy(ctx context.Context, skipChecksum, eraseFirst bool) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><set_flash_policy><skip_checksum>%t</skip_checksum><erase_first>%t</erase_first></set_flash_policy></da>`, skipChecksum, eraseFirst)
	_, err := c.exchange("xmlda.SetFlashPolicy", doc)
	return err
}

func (c *Client) sendBinary(op string, data []byte, progress func(done, total int64)) error {
	for off := 0; off < len(data); off += BinaryBlockSize {
		end := off + BinaryBlockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		frame := envelope(dtData, chunk)
		if c.legacyFraming {
			frame = legacyFrame(chunk)
		}
		if _, err := c.t.Write(frame); err != nil {
			return ferrors.Transport(op, err)
		}
		if progress != nil {
			progress(int64(end), int64(len(data)))
		}
	}
	return nil
}

// WritePartition streams data to name in BinaryBlockSize chunks after
// announcing the transfer via XML.
func (c *Client) WritePartition(ctx context.Context, name string, offset uint64, data []byte, progress func(done, total int64)) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><write_partition><name>%s</name><offset>%d</offset><length>%d</length></write_partition></da>`, name, offset, len(data))
	if err := c.sendXML(doc); err != nil {
		return err
	}
	if err := c.sendBinary("xmlda.WritePartition", data, progress); err != nil {
		return err
	}
	raw, err := c.recvXML()
	if err != nil {
		return err
	}
	var resp response
	if err := xml.Unmarshal([]byte(raw), &resp); err != nil {
		return ferrors.Parse("xmlda.WritePartition", err)
	}
	if !strings.EqualFold(resp.Result, "ok") {
		return ferrors.Protocol("xmlda.WritePartition", fmt.Errorf("device reported: %s", resp.Message))
	}
	return nil
}

// ReadPartition requests [offset, offset+size) from name and streams
// the reply back in BinaryBlockSize chunks.
func (c *Client) ReadPartition(ctx context.Context, name string, offset, size uint64, progress func(done, total int64)) ([]byte, error) {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><read_partition><name>%s</name><offset>%d</offset><length>%d</length></read_partition></da>`, name, offset, size)
	if err := c.sendXML(doc); err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	var done uint64
	for done < size {
		want := uint64(BinaryBlockSize)
		if size-done < want {
			want = size - done
		}
		body, err := c.recvBinary(int(want))
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
		done += uint64(len(body))
		if progress != nil {
			progress(int64(done), int64(size))
		}
	}
	return out, nil
}

func (c *Client) recvBinary(want int) ([]byte, error) {
	if c.legacyFraming {
		lenBuf, err := c.t.ReadExact(4, ioTimeout)
		if err != nil {
			return nil, ferrors.Transport("xmlda.recvBinary", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		if int(n) != want {
			return nil, ferrors.Framing("xmlda.recvBinary", fmt.Errorf("legacy data frame length %d, want %d", n, want))
		}
		return c.t.ReadExact(int(n), ioTimeout)
	}
	raw, err := c.t.ReadExact(envelopeHeaderSize, ioTimeout)
	if err != nil {
		return nil, ferrors.Transport("xmlda.recvBinary", err)
	}
	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != Magic {
		return nil, ferrors.Framing("xmlda.recvBinary", fmt.Errorf("bad magic 0x%08x", magic))
	}
	dataType := binary.LittleEndian.Uint16(raw[4:6])
	if dataType != dtData {
		return nil, ferrors.Protocol("xmlda.recvBinary", fmt.Errorf("expected data envelope, got type %d", dataType))
	}
	length := binary.LittleEndian.Uint32(raw[8:12])
	if int(length) != want {
		return nil, ferrors.Framing("xmlda.recvBinary", fmt.Errorf("data envelope length %d, want %d", length, want))
	}
	return c.t.ReadExact(int(length), ioTimeout)
}

// ErasePartition zeroes name's [offset, offset+size) range.
func (c *Client) ErasePartition(ctx context.Context, name string, offset, size uint64) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><erase_partition><name>%s</name><offset>%d</offset><length>%d</length></erase_partition></da>`, name, offset, size)
	_, err := c.exchange("xmlda.ErasePartition", doc)
	return err
}

// UploadDa2 sends a DA2 binary via BOOT-TO: the blob is streamed then
// DA2 jumps to loadAddr itself, unlike the BROM's separate SendData/
// JumpDA pair.
func (c *Client) UploadDa2(ctx context.Context, data []byte, loadAddr uint32, progress func(done, total int64)) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><da><boot_to><load_addr>%d</load_addr><length>%d</length></boot_to></da>`, loadAddr, len(data))
	if err := c.sendXML(doc); err != nil {
		return err
	}
	if err := c.sendBinary("xmlda.UploadDa2", data, progress); err != nil {
		return err
	}
	raw, err := c.recvXML()
	if err != nil {
		return err
	}
	var resp response
	if err := xml.Unmarshal([]byte(raw), &resp); err != nil {
		return ferrors.Parse("xmlda.UploadDa2", err)
	}
	if !strings.EqualFold(resp.Result, "ok") {
		return ferrors.Protocol("xmlda.UploadDa2", fmt.Errorf("device reported: %s", resp.Message))
	}
	return nil
}

// GetDaInfo reads DA2's version string.
func (c *Client) GetDaInfo(ctx context.Context) (string, error) {
	doc := `<?xml version="1.0" encoding="utf-8"?><da><get_da_info/></da>`
	resp, err := c.exchange("xmlda.GetDaInfo", doc)
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Reboot resets the device.
func (c *Client) Reboot(ctx context.Context) error {
	doc := `<?xml version="1.0" encoding="utf-8"?><da><reboot/></da>`
	_, err := c.exchange("xmlda.Reboot", doc)
	return err
}

// Shutdown powers the device off.
func (c *Client) Shutdown(ctx context.Context) error {
	doc := `<?xml version="1.0" encoding="utf-8"?><da><shutdown/></da>`
	_, err := c.exchange("xmlda.Shutdown", doc)
	return err
}
