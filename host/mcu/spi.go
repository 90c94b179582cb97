package mcu

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"at25m02/protocol"
)

// SPIConfig describes an SPI device behind the MCU
type SPIConfig struct {
	OID          uint8
	Pin          uint32 // chip select pin number in the MCU's numbering
	CSActiveHigh bool
	Bus          uint32
	Mode         uint32
	Rate         uint32
}

// ErrConfigMismatch is returned when the MCU already holds a configuration
// other than the one requested. Resetting the MCU clears it.
var ErrConfigMismatch = errors.New("mcu already configured differently")

// SPI is an SPI device reached through spi_transfer. It implements the EEPROM
// driver's Transport and Limits.
type SPI struct {
	mcu   *MCU
	oid   uint8
	maxTx int

	// one spi_transfer in flight per device
	mu sync.Mutex
}

// ConfigureSPI sends the configuration block for one SPI device and returns
// a transport for it. The MCU must have its dictionary loaded.
//
// Firmware accepts the block once per reset, so an MCU that reports the same
// configuration CRC is reused as is, and one configured differently is
// rejected with ErrConfigMismatch.
func (m *MCU) ConfigureSPI(cfg SPIConfig) (*SPI, error) {
	cmds := []struct {
		name string
		args []uint32
	}{
		{"allocate_oids", []uint32{uint32(cfg.OID) + 1}},
		{"config_spi", []uint32{uint32(cfg.OID), cfg.Pin, boolArg(cfg.CSActiveHigh)}},
		{"spi_set_bus", []uint32{uint32(cfg.OID), cfg.Bus, cfg.Mode, cfg.Rate}},
	}

	crc := crc32.NewIEEE()
	for _, c := range cmds {
		fmt.Fprintf(crc, "%s %v\n", c.name, c.args)
	}

	state, err := m.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("get_config: %w", err)
	}
	if state.IsShutdown {
		return nil, fmt.Errorf("mcu is shut down")
	}
	if state.IsConfig {
		if state.CRC != crc.Sum32() {
			return nil, fmt.Errorf("%w: crc %08x, want %08x", ErrConfigMismatch, state.CRC, crc.Sum32())
		}
		m.debugf("spi oid=%d already configured", cfg.OID)
		return m.SPI(cfg.OID)
	}

	for _, c := range cmds {
		args := c.args
		if err := m.SendCommand(c.name, func(output protocol.OutputBuffer) {
			for _, a := range args {
				protocol.EncodeVLQUint(output, a)
			}
		}); err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
	}

	if err := m.SendCommand("finalize_config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, crc.Sum32())
	}); err != nil {
		return nil, fmt.Errorf("finalize_config: %w", err)
	}

	m.debugf("spi oid=%d bus=%d mode=%d rate=%d configured", cfg.OID, cfg.Bus, cfg.Mode, cfg.Rate)

	return m.SPI(cfg.OID)
}

// SPI returns a transport for an SPI device the MCU already has configured
func (m *MCU) SPI(oid uint8) (*SPI, error) {
	req, err := m.commandID("spi_transfer")
	if err != nil {
		return nil, err
	}
	resp, ok := m.dictionary.ResponseID("spi_transfer_response")
	if !ok {
		return nil, fmt.Errorf("unknown response: spi_transfer_response")
	}

	// the data has to fit a single message block in both directions
	overhead := vlqLen(uint32(req))
	if n := vlqLen(uint32(resp)); n > overhead {
		overhead = n
	}
	overhead += vlqLen(uint32(oid))

	// one byte of length prefix
	maxTx := protocol.MessagePayloadMax - overhead - 1

	return &SPI{mcu: m, oid: oid, maxTx: maxTx}, nil
}

func boolArg(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func vlqLen(v uint32) int {
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(out, v)
	return out.CurPosition()
}

// MaxTxSize is the longest frame one spi_transfer can carry
func (s *SPI) MaxTxSize() int {
	return s.maxTx
}

// Transfer runs one chip-selected exchange on the MCU
func (s *SPI) Transfer(tx, rx []byte) error {
	if len(tx) != len(rx) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(tx), len(rx))
	}
	if len(tx) > s.maxTx {
		return fmt.Errorf("transfer of %d bytes exceeds %d byte limit", len(tx), s.maxTx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mcu.connected {
		return ErrNotConnected
	}

	// anything still queued answers an earlier transfer that timed out
	if n := s.mcu.transport.DiscardResponses(); n > 0 {
		s.mcu.debugf("spi oid=%d dropped %d stale responses", s.oid, n)
	}

	err := s.mcu.SendCommand("spi_transfer", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(s.oid))
		protocol.EncodeVLQBytes(output, tx)
	})
	if err != nil {
		return fmt.Errorf("spi_transfer: %w", err)
	}

	for {
		args, err := s.mcu.WaitResponse("spi_transfer_response")
		if err != nil {
			return fmt.Errorf("spi_transfer_response: %w", err)
		}

		oid, err := protocol.DecodeVLQUint(&args)
		if err != nil {
			return fmt.Errorf("spi_transfer_response: %w", err)
		}
		if uint8(oid) != s.oid {
			// response for another device sharing the MCU
			continue
		}

		data, err := protocol.DecodeVLQBytes(&args)
		if err != nil {
			return fmt.Errorf("spi_transfer_response: %w", err)
		}
		if len(data) != len(rx) {
			return fmt.Errorf("spi_transfer_response: got %d bytes, want %d", len(data), len(rx))
		}

		copy(rx, data)
		return nil
	}
}
