// Package firehose implements the Firehose XML protocol that runs
// after a Qualcomm loader has been handed control by Sahara: storage
// configuration, GPT discovery, partition read/write/erase, device
// control (reset/power off/slot switch), and raw peek/poke. Framing
// and XML shape are grounded on
// qualcomm/protocol/firehose_client.h/.cpp in the original source,
// generalized from Qt's QXmlStreamWriter/Reader to encoding/xml the
// way the rest of this tree replaces Qt containers with Go slices and
// structs.
package firehose

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flashengine/internal/events"
	"flashengine/internal/ferrors"
	"flashengine/internal/model"
	"flashengine/internal/qualcomm/auth"
	"flashengine/internal/transport"
	"flashengine/pkg/imgparse/gpt"
)

// StorageType selects the MemoryName attribute sent in <configure>.
type StorageType int

const (
	StorageUFS StorageType = iota
	StorageEMMC
	StorageNAND
	StorageSPINOR
)

func (s StorageType) memoryName() string {
	switch s {
	case StorageEMMC:
		return "emmc"
	case StorageNAND:
		return "nand"
	case StorageSPINOR:
		return "spinor"
	default:
		return "UFS"
	}
}

const (
	xmlTimeout  = 10 * time.Second
	dataTimeout = 60 * time.Second
	pollInterval = 100 * time.Millisecond
	maxAccumulate = 16 * 1024 * 1024
)

// ProgressFunc reports bytes transferred so far out of total.
type ProgressFunc func(done, total int64)

// Client drives one Firehose session over a Transport already running
// the uploaded programmer.
type Client struct {
	t              transport.Transport
	bus            *events.Bus
	storageType    StorageType
	maxPayloadSize uint32
	sectorSize     uint32
}

// New creates a Client with Firehose's default 1 MiB payload and UFS
// 4096-byte sectors, matching the original's constructor defaults.
func New(t transport.Transport, bus *events.Bus) *Client {
	return &Client{t: t, bus: bus, storageType: StorageUFS, maxPayloadSize: 1048576, sectorSize: 4096}
}

func (c *Client) publish(state events.State) {
	if c.bus != nil {
		c.bus.PublishState(state)
	}
}

func (c *Client) progress(label string, done, total int64) {
	if c.bus != nil {
		c.bus.PublishProgress(label, done, total)
	}
}

// MaxPayloadSize returns the currently negotiated payload ceiling.
func (c *Client) MaxPayloadSize() uint32 { return c.maxPayloadSize }

// Configure sends <configure> and retries once with the device's
// counter-offered MaxPayloadSizeToTargetInBytes if the first attempt
// is rejected, per the original's configure() fallback.
func (c *Client) Configure(ctx context.Context, storage StorageType, maxPayloadSize uint32, skipStorageInit bool) error {
	c.storageType = storage
	c.maxPayloadSize = maxPayloadSize
	if storage == StorageUFS {
		c.sectorSize = 4096
	} else {
		c.sectorSize = 512
	}

	xmlReq := c.buildConfigureXML(storage, maxPayloadSize, skipStorageInit)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return ferrors.Transport("firehose.Configure", err)
	}
	resp, err := c.receiveXMLResponse(ctx, xmlTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.Configure", err)
	}
	if resp.Success {
		c.publish(events.StateReady)
		return nil
	}

	if offered, ok := counterOfferedPayloadSize(resp.RawXML); ok && offered > 0 && offered < maxPayloadSize {
		c.maxPayloadSize = offered
		xmlReq = c.buildConfigureXML(storage, offered, skipStorageInit)
		if err := c.sendXMLCommand(xmlReq); err != nil {
			return ferrors.Transport("firehose.Configure", err)
		}
		resp, err = c.receiveXMLResponse(ctx, xmlTimeout)
		if err != nil {
			return ferrors.Protocol("firehose.Configure", err)
		}
		if !resp.Success {
			return ferrors.Protocol("firehose.Configure", fmt.Errorf("configure rejected even at counter-offered payload size %d", offered))
		}
		c.publish(events.StateReady)
		return nil
	}
	return ferrors.Protocol("firehose.Configure", fmt.Errorf("configure rejected: %s", resp.RawValue))
}

// ReadGPTPartitions reads and parses the GPT at the head of lun.
func (c *Client) ReadGPTPartitions(ctx context.Context, lun uint32) ([]model.PartitionInfo, error) {
	gptSectors := uint64(64)
	if c.sectorSize == 4096 {
		gptSectors = 8
	}
	xmlReq := c.buildReadXML(0, gptSectors, c.sectorSize, lun)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return nil, ferrors.Transport("firehose.ReadGPTPartitions", err)
	}

	expected := int(gptSectors) * int(c.sectorSize)
	gptData, err := c.t.ReadExact(expected, dataTimeout)
	if err != nil {
		return nil, ferrors.Transport("firehose.ReadGPTPartitions", fmt.Errorf("reading gpt sectors: %w", err))
	}
	// NAK here is tolerated — the data is frequently still valid.
	_, _ = c.receiveXMLResponse(ctx, xmlTimeout)

	table, err := gpt.Parse(gptData)
	if err != nil {
		return nil, ferrors.Parse("firehose.ReadGPTPartitions", err)
	}
	for i := range table.Partitions {
		table.Partitions[i].Lun = int(lun)
	}
	return table.Partitions, nil
}

func findPartition(partitions []model.PartitionInfo, name string) (*model.PartitionInfo, bool) {
	for i := range partitions {
		if strings.EqualFold(partitions[i].Name, name) {
			return &partitions[i], true
		}
	}
	return nil, false
}

// ReadPartition streams an entire partition's contents back, chunked
// at the negotiated max payload size.
func (c *Client) ReadPartition(ctx context.Context, name string, lun uint32, progress ProgressFunc) ([]byte, error) {
	partitions, err := c.ReadGPTPartitions(ctx, lun)
	if err != nil {
		return nil, err
	}
	target, ok := findPartition(partitions, name)
	if !ok {
		return nil, ferrors.Resource("firehose.ReadPartition", fmt.Errorf("partition %q not found on lun %d", name, lun))
	}

	totalBytes := int64(target.NumSectors) * int64(c.sectorSize)
	chunkSectors := uint64(c.maxPayloadSize) / uint64(c.sectorSize)
	if chunkSectors == 0 {
		chunkSectors = 1
	}

	result := make([]byte, 0, totalBytes)
	var readSoFar int64
	for sector := uint64(0); sector < target.NumSectors; sector += chunkSectors {
		if err := ctx.Err(); err != nil {
			return nil, ferrors.Transport("firehose.ReadPartition", err)
		}
		count := chunkSectors
		if remaining := target.NumSectors - sector; count > remaining {
			count = remaining
		}
		startSector := target.StartSector + sector

		xmlReq := c.buildReadXML(startSector, count, c.sectorSize, lun)
		if err := c.sendXMLCommand(xmlReq); err != nil {
			return nil, ferrors.Transport("firehose.ReadPartition", err)
		}
		expected := int(count) * int(c.sectorSize)
		chunk, err := c.t.ReadExact(expected, dataTimeout)
		if err != nil {
			return nil, ferrors.Transport("firehose.ReadPartition", fmt.Errorf("reading sector chunk at %d: %w", startSector, err))
		}
		result = append(result, chunk...)
		readSoFar += int64(len(chunk))

		_, _ = c.receiveXMLResponse(ctx, xmlTimeout) // a chunk NAK is logged upstream, not fatal

		if progress != nil {
			progress(readSoFar, totalBytes)
		}
		c.progress("read "+name, readSoFar, totalBytes)
	}
	return result, nil
}

// WritePartition writes data to the named partition, failing on the
// first NAK'd chunk.
func (c *Client) WritePartition(ctx context.Context, name string, data []byte, lun uint32, progress ProgressFunc) error {
	partitions, err := c.ReadGPTPartitions(ctx, lun)
	if err != nil {
		return err
	}
	target, ok := findPartition(partitions, name)
	if !ok {
		return ferrors.Resource("firehose.WritePartition", fmt.Errorf("partition %q not found on lun %d", name, lun))
	}

	numSectors := (uint64(len(data)) + uint64(c.sectorSize) - 1) / uint64(c.sectorSize)
	if numSectors > target.NumSectors {
		return ferrors.Resource("firehose.WritePartition", fmt.Errorf("data needs %d sectors, partition %q has %d", numSectors, name, target.NumSectors))
	}

	totalBytes := int64(len(data))
	chunkSectors := uint64(c.maxPayloadSize) / uint64(c.sectorSize)
	if chunkSectors == 0 {
		chunkSectors = 1
	}

	var written int64
	for sector := uint64(0); sector < numSectors; sector += chunkSectors {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("firehose.WritePartition", err)
		}
		count := chunkSectors
		if remaining := numSectors - sector; count > remaining {
			count = remaining
		}
		startSector := target.StartSector + sector

		xmlReq := c.buildProgramXML(startSector, count, c.sectorSize, lun)
		if err := c.sendXMLCommand(xmlReq); err != nil {
			return ferrors.Transport("firehose.WritePartition", err)
		}

		offset := int64(sector) * int64(c.sectorSize)
		chunkSize := int64(count) * int64(c.sectorSize)
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := make([]byte, chunkSize)
		copy(chunk, data[offset:end])

		if _, err := c.t.Write(chunk); err != nil {
			return ferrors.Transport("firehose.WritePartition", fmt.Errorf("writing data chunk at sector %d: %w", startSector, err))
		}
		written += end - offset

		resp, err := c.receiveXMLResponse(ctx, dataTimeout)
		if err != nil {
			return ferrors.Protocol("firehose.WritePartition", err)
		}
		if !resp.Success {
			return ferrors.Protocol("firehose.WritePartition", fmt.Errorf("write NAK at sector %d: %s", startSector, resp.RawValue))
		}

		if progress != nil {
			progress(written, totalBytes)
		}
		c.progress("write "+name, written, totalBytes)
	}
	return nil
}

// ErasePartition overwrites an entire partition's sector range.
func (c *Client) ErasePartition(ctx context.Context, name string, lun uint32) error {
	partitions, err := c.ReadGPTPartitions(ctx, lun)
	if err != nil {
		return err
	}
	target, ok := findPartition(partitions, name)
	if !ok {
		return ferrors.Resource("firehose.ErasePartition", fmt.Errorf("partition %q not found on lun %d", name, lun))
	}
	xmlReq := c.buildEraseXML(target.StartSector, target.NumSectors, c.sectorSize, lun)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return ferrors.Transport("firehose.ErasePartition", err)
	}
	resp, err := c.receiveXMLResponse(ctx, dataTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.ErasePartition", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.ErasePartition", fmt.Errorf("erase rejected: %s", resp.RawValue))
	}
	return nil
}

// Reset sends a power-action reset command.
func (c *Client) Reset(ctx context.Context) error { return c.power(ctx, "reset") }

// PowerOff sends a power-action off command.
func (c *Client) PowerOff(ctx context.Context) error { return c.power(ctx, "off") }

func (c *Client) power(ctx context.Context, action string) error {
	if err := c.sendXMLCommand(c.buildPowerXML(action)); err != nil {
		return ferrors.Transport("firehose.power", err)
	}
	resp, err := c.receiveXMLResponse(ctx, xmlTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.power", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.power", fmt.Errorf("%s rejected: %s", action, resp.RawValue))
	}
	return nil
}

// SetActiveSlot sends <setactiveslot slot="a|b">.
func (c *Client) SetActiveSlot(ctx context.Context, slot string) error {
	xmlReq := fmt.Sprintf(`<?xml version="1.0" ?><data><setactiveslot slot="%s" /></data>`, slot)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return ferrors.Transport("firehose.SetActiveSlot", err)
	}
	resp, err := c.receiveXMLResponse(ctx, xmlTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.SetActiveSlot", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.SetActiveSlot", fmt.Errorf("setactiveslot rejected: %s", resp.RawValue))
	}
	return nil
}

// SetBootableStorageDrive sends <setbootablestoragedrive value="lun">.
func (c *Client) SetBootableStorageDrive(ctx context.Context, lun uint32) error {
	xmlReq := fmt.Sprintf(`<?xml version="1.0" ?><data><setbootablestoragedrive value="%d" /></data>`, lun)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return ferrors.Transport("firehose.SetBootableStorageDrive", err)
	}
	resp, err := c.receiveXMLResponse(ctx, xmlTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.SetBootableStorageDrive", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.SetBootableStorageDrive", fmt.Errorf("setbootablestoragedrive rejected: %s", resp.RawValue))
	}
	return nil
}

// SendRawXML sends xml verbatim and returns the parsed response,
// satisfying auth.XMLSender for vendor authentication strategies.
func (c *Client) SendRawXML(ctx context.Context, rawXML string) (auth.Response, error) {
	if err := c.sendXMLCommand(rawXML); err != nil {
		return auth.Response{}, ferrors.Transport("firehose.SendRawXML", err)
	}
	return c.receiveXMLResponse(ctx, xmlTimeout)
}

// Ping sends a no-op and reports whether the loader is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.sendXMLCommand(`<?xml version="1.0" ?><data><nop /></data>`); err != nil {
		return ferrors.Transport("firehose.Ping", err)
	}
	resp, err := c.receiveXMLResponse(ctx, 3*time.Second)
	if err != nil {
		return ferrors.Protocol("firehose.Ping", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.Ping", fmt.Errorf("ping not acknowledged"))
	}
	return nil
}

// PeekMemory reads size bytes from device memory at address.
func (c *Client) PeekMemory(ctx context.Context, address uint64, size uint32) ([]byte, error) {
	xmlReq := fmt.Sprintf(`<?xml version="1.0" ?><data><peek address64="0x%016x" SizeInBytes="%d" /></data>`, address, size)
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return nil, ferrors.Transport("firehose.PeekMemory", err)
	}
	data, err := c.t.ReadExact(int(size), dataTimeout)
	if err != nil {
		return nil, ferrors.Transport("firehose.PeekMemory", err)
	}
	_, _ = c.receiveXMLResponse(ctx, xmlTimeout)
	return data, nil
}

// PokeMemory writes data to device memory at address.
func (c *Client) PokeMemory(ctx context.Context, address uint64, data []byte) error {
	xmlReq := fmt.Sprintf(`<?xml version="1.0" ?><data><poke address64="0x%016x" SizeInBytes="%d" value="%s" /></data>`,
		address, len(data), hex.EncodeToString(data))
	if err := c.sendXMLCommand(xmlReq); err != nil {
		return ferrors.Transport("firehose.PokeMemory", err)
	}
	resp, err := c.receiveXMLResponse(ctx, xmlTimeout)
	if err != nil {
		return ferrors.Protocol("firehose.PokeMemory", err)
	}
	if !resp.Success {
		return ferrors.Protocol("firehose.PokeMemory", fmt.Errorf("poke rejected: %s", resp.RawValue))
	}
	return nil
}

// WriteRaw streams an arbitrary blob in max-payload-sized, sector
// padded chunks without a preceding program command — used by
// orchestration code that has already issued its own framing command
// (e.g. a multi-image loader upload) and just needs chunked delivery.
func (c *Client) WriteRaw(ctx context.Context, data []byte, progress ProgressFunc) error {
	total := int64(len(data))
	var sent int64
	for sent < total {
		if err := ctx.Err(); err != nil {
			return ferrors.Transport("firehose.WriteRaw", err)
		}
		chunkSize := int64(c.maxPayloadSize)
		if remaining := total - sent; chunkSize > remaining {
			chunkSize = remaining
		}
		chunk := append([]byte(nil), data[sent:sent+chunkSize]...)
		if c.sectorSize > 0 && len(chunk)%int(c.sectorSize) != 0 {
			padded := ((len(chunk) / int(c.sectorSize)) + 1) * int(c.sectorSize)
			chunk = append(chunk, make([]byte, padded-len(chunk))...)
		}
		if _, err := c.t.Write(chunk); err != nil {
			return ferrors.Transport("firehose.WriteRaw", err)
		}
		sent += chunkSize
		if progress != nil {
			progress(sent, total)
		}
	}
	return nil
}

// ── XML building ──────────────────────────────────────────────────

func (c *Client) buildConfigureXML(storage StorageType, payloadSize uint32, skipStorageInit bool) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><configure MemoryName="%s" MaxPayloadSizeToTargetInBytes="%d" verbose="0" ZlpAwareHost="1" SkipStorageInit="%d" /></data>`,
		storage.memoryName(), payloadSize, boolToInt(skipStorageInit))
}

func (c *Client) buildReadXML(startSector, numSectors uint64, sectorSize uint32, lun uint32) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><read SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d" /></data>`,
		sectorSize, numSectors, lun, startSector)
}

func (c *Client) buildProgramXML(startSector, numSectors uint64, sectorSize uint32, lun uint32) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><program SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d" /></data>`,
		sectorSize, numSectors, lun, startSector)
}

func (c *Client) buildEraseXML(startSector, numSectors uint64, sectorSize uint32, lun uint32) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><erase SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d" /></data>`,
		sectorSize, numSectors, lun, startSector)
}

func (c *Client) buildPowerXML(action string) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><power value="%s" /></data>`, action)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ── Communication ─────────────────────────────────────────────────

func (c *Client) sendXMLCommand(xmlReq string) error {
	data := []byte(xmlReq)
	if c.sectorSize > 0 {
		padded := len(data)
		if padded%int(c.sectorSize) != 0 {
			padded = ((padded / int(c.sectorSize)) + 1) * int(c.sectorSize)
		}
		if padded > len(data) {
			data = append(data, make([]byte, padded-len(data))...)
		}
	}
	n, err := c.t.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: sent %d of %d bytes", n, len(data))
	}
	return nil
}

func (c *Client) receiveXMLResponse(ctx context.Context, timeout time.Duration) (auth.Response, error) {
	var accumulated []byte
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return auth.Response{}, err
		}
		chunk, err := c.t.Read(int(c.maxPayloadSize), pollInterval)
		if err == nil && len(chunk) > 0 {
			if len(accumulated)+len(chunk) > maxAccumulate {
				return auth.Response{}, fmt.Errorf("xml response exceeds safety limit of %d bytes", maxAccumulate)
			}
			accumulated = append(accumulated, chunk...)

			resp := parseResponse(accumulated)
			if resp.Success || resp.RawValue != "" {
				return resp, nil
			}
		}
	}

	if len(accumulated) > 0 {
		return parseResponse(accumulated), nil
	}
	return auth.Response{RawValue: "TIMEOUT"}, nil
}

type responseXML struct {
	XMLName  xml.Name `xml:"data"`
	Response []struct {
		Value                         string `xml:"value,attr"`
		MaxPayloadSizeToTargetInBytes string `xml:"MaxPayloadSizeToTargetInBytes,attr"`
	} `xml:"response"`
	Log []struct {
		Value string `xml:"value,attr"`
	} `xml:"log"`
}

func parseResponse(data []byte) auth.Response {
	clean := bytes.TrimRight(data, "\x00")
	if len(clean) == 0 {
		return auth.Response{}
	}

	var parsed responseXML
	if err := xml.Unmarshal(clean, &parsed); err != nil {
		return auth.Response{}
	}

	result := auth.Response{RawXML: string(clean)}
	for _, r := range parsed.Response {
		if r.Value != "" {
			result.RawValue = r.Value
			result.Success = strings.EqualFold(r.Value, "ACK")
		}
	}
	for _, l := range parsed.Log {
		if l.Value != "" {
			result.LogMessage = l.Value
		}
	}
	return result
}

func counterOfferedPayloadSize(rawXML string) (uint32, bool) {
	if rawXML == "" {
		return 0, false
	}
	var parsed responseXML
	if err := xml.Unmarshal([]byte(rawXML), &parsed); err != nil {
		return 0, false
	}
	for _, r := range parsed.Response {
		if r.MaxPayloadSizeToTargetInBytes == "" {
			continue
		}
		n, err := strconv.ParseUint(r.MaxPayloadSizeToTargetInBytes, 10, 32)
		if err != nil {
			continue
		}
		return uint32(n), true
	}
	return 0, false
}
