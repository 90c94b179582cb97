// Package mcu talks to a microcontroller running Klipper-protocol firmware
// and exposes its SPI buses to the EEPROM driver.
package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"at25m02/host/serial"
	"at25m02/protocol"
)

// Bootstrap message IDs fixed by the protocol
const (
	IdentifyResponseID = 0
	IdentifyID         = 1

	identifyChunk = 40
)

// DefaultTimeout bounds the wait for a response
const DefaultTimeout = time.Second

var ErrNotConnected = errors.New("not connected to MCU")

// MCU is a connection to a Klipper microcontroller
type MCU struct {
	transport *protocol.HostTransport

	dictionary     *Dictionary
	dictionaryData []byte

	connected bool

	// Timeout bounds every response wait
	Timeout time.Duration

	debug func(string)
}

// Dictionary is the data dictionary the MCU reports through identify.
// Command and response keys are the full message formats, e.g.
// "spi_transfer oid=%c data=%*s".
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]interface{}    `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// lookup returns the ID of the message called name in table
func lookup(table map[string]int, name string) (int, bool) {
	for format, id := range table {
		if format == name || strings.HasPrefix(format, name+" ") {
			return id, true
		}
	}
	return 0, false
}

// CommandID returns the ID of the host to MCU command called name
func (d *Dictionary) CommandID(name string) (int, bool) {
	return lookup(d.Commands, name)
}

// ResponseID returns the ID of the MCU to host response called name
func (d *Dictionary) ResponseID(name string) (int, bool) {
	return lookup(d.Responses, name)
}

// NewMCU creates a new MCU instance (not yet connected)
func NewMCU() *MCU {
	return &MCU{Timeout: DefaultTimeout}
}

// SetDebugWriter routes progress and protocol messages to w
func (m *MCU) SetDebugWriter(w func(string)) {
	m.debug = w
}

func (m *MCU) debugf(format string, args ...interface{}) {
	if m.debug != nil {
		m.debug(fmt.Sprintf(format, args...))
	}
}

// Connect opens device with the default Klipper serial settings
func (m *MCU) Connect(device string) error {
	return m.ConnectWithConfig(serial.DefaultConfig(device))
}

// ConnectWithConfig opens the serial port described by cfg
func (m *MCU) ConnectWithConfig(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.Flush(); err != nil {
		m.debugf("flush %s: %v", cfg.Device, err)
	}

	m.Attach(port)

	// give a freshly powered MCU time to come up
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Attach uses an already open link. The MCU takes ownership of port.
func (m *MCU) Attach(port io.ReadWriteCloser) {
	m.transport = protocol.NewHostTransport(port)
	m.connected = true
}

// Close closes the connection to the MCU
func (m *MCU) Close() error {
	if m.transport == nil {
		return nil
	}
	m.connected = false
	return m.transport.Close()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// RetrieveDictionary reads the data dictionary in identify chunks
func (m *MCU) RetrieveDictionary() error {
	if !m.connected {
		return ErrNotConnected
	}

	var buf bytes.Buffer
	for offset := uint32(0); ; {
		chunk, err := m.identify(offset, identifyChunk)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}

		buf.Write(chunk)
		offset += uint32(len(chunk))

		if len(chunk) < identifyChunk {
			break
		}
	}

	m.dictionaryData = buf.Bytes()
	m.debugf("dictionary retrieved: %d bytes", len(m.dictionaryData))

	if raw, err := decompress(m.dictionaryData); err == nil {
		m.debugf("dictionary decompressed: %d -> %d bytes", len(m.dictionaryData), len(raw))
		m.dictionaryData = raw
	}

	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("failed to parse dictionary: %w", err)
	}
	m.dictionary = dict

	return nil
}

func (m *MCU) identify(offset uint32, count uint8) ([]byte, error) {
	err := m.transport.SendCommand(IdentifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send identify command: %w", err)
	}

	args, err := m.transport.WaitResponse(IdentifyResponseID, m.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to receive identify response: %w", err)
	}

	respOffset, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}

	data, err := protocol.DecodeVLQBytes(&args)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return data, nil
}

// decompress inflates a zlib compressed dictionary
func decompress(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x78 {
		return nil, fmt.Errorf("not zlib compressed")
	}

	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *Dictionary {
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary data
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// SendCommand sends the command called name and waits for its ACK
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	id, err := m.commandID(name)
	if err != nil {
		return err
	}
	return m.transport.SendCommand(uint16(id), args)
}

// WaitResponse returns the arguments of the next response called name
func (m *MCU) WaitResponse(name string) ([]byte, error) {
	if m.dictionary == nil {
		return nil, fmt.Errorf("dictionary not loaded")
	}
	id, ok := m.dictionary.ResponseID(name)
	if !ok {
		return nil, fmt.Errorf("unknown response: %s", name)
	}
	return m.transport.WaitResponse(uint16(id), m.Timeout)
}

func (m *MCU) commandID(name string) (int, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}
	if m.dictionary == nil {
		return 0, fmt.Errorf("dictionary not loaded")
	}
	id, ok := m.dictionary.CommandID(name)
	if !ok {
		return 0, fmt.Errorf("unknown command: %s", name)
	}
	return id, nil
}

// Config is the configuration state reported by get_config
type Config struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
	MoveCount  uint32
}

// GetConfig queries the configuration state
func (m *MCU) GetConfig() (*Config, error) {
	if err := m.SendCommand("get_config", nil); err != nil {
		return nil, err
	}

	args, err := m.WaitResponse("config")
	if err != nil {
		return nil, err
	}

	var v [4]uint32
	for i := range v {
		if v[i], err = protocol.DecodeVLQUint(&args); err != nil {
			return nil, fmt.Errorf("failed to decode config response: %w", err)
		}
	}

	return &Config{
		IsConfig:   v[0] != 0,
		CRC:        v[1],
		IsShutdown: v[2] != 0,
		MoveCount:  v[3],
	}, nil
}
