package sim

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"at25m02/eeprom"
	"at25m02/protocol"
)

// Message IDs of the simulated firmware. identify_response and identify are
// fixed by the protocol; the rest follow the dictionary order.
const (
	msgIdentifyResponse = iota
	msgIdentify
	msgGetConfig
	msgConfig
	msgAllocateOids
	msgConfigSPI
	msgSPISetBus
	msgFinalizeConfig
	msgSPITransfer
	msgSPITransferResponse
)

var klipperCommands = map[string]int{
	"identify offset=%u count=%c":                   msgIdentify,
	"get_config":                                    msgGetConfig,
	"allocate_oids count=%c":                        msgAllocateOids,
	"config_spi oid=%c pin=%u cs_active_high=%c":    msgConfigSPI,
	"spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u": msgSPISetBus,
	"finalize_config crc=%u":                        msgFinalizeConfig,
	"spi_transfer oid=%c data=%*s":                  msgSPITransfer,
}

var klipperResponses = map[string]int{
	"identify_response offset=%u data=%.*s":                    msgIdentifyResponse,
	"config is_config=%c crc=%u is_shutdown=%c move_count=%hu": msgConfig,
	"spi_transfer_response oid=%c response=%*s":                msgSPITransferResponse,
}

// SPIDevice is the configuration the host sent for one oid
type SPIDevice struct {
	Pin          uint32
	CSActiveHigh bool
	Bus          uint32
	Mode         uint32
	Rate         uint32
	BusSet       bool
}

// Klipper is a Klipper-protocol microcontroller with one SPI bus wired to
// bus. Every configured oid reaches the same bus.
type Klipper struct {
	bus  eeprom.Transport
	dict []byte

	transport *protocol.MCUTransport
	out       *protocol.ScratchOutput

	hostR *io.PipeReader
	hostW *io.PipeWriter
	mcuR  *io.PipeReader
	mcuW  *io.PipeWriter

	mu        sync.Mutex
	oids      int
	devices   map[uint8]*SPIDevice
	configCRC uint32
	finalized bool
	shutdown  bool
	duplicate int
	lastErr   error
}

// NewKlipper starts a simulated MCU. The host end of the link is Port.
func NewKlipper(bus eeprom.Transport) *Klipper {
	k := &Klipper{
		bus:     bus,
		dict:    buildDictionary(),
		out:     protocol.NewScratchOutput(),
		devices: make(map[uint8]*SPIDevice),
	}

	k.mcuR, k.hostW = io.Pipe()
	k.hostR, k.mcuW = io.Pipe()

	k.transport = protocol.NewMCUTransport(k.out, k.handle)
	k.transport.SetFlushCallback(k.flush)
	k.transport.SetResetCallback(k.reset)

	go k.serve()

	return k
}

func buildDictionary() []byte {
	raw, err := json.Marshal(map[string]interface{}{
		"version":        "at25m02-sim",
		"build_versions": "go",
		"config": map[string]interface{}{
			"MCU":        "sim",
			"CLOCK_FREQ": 1000000,
		},
		"commands":  klipperCommands,
		"responses": klipperResponses,
	})
	if err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(raw)
	w.Close()
	return buf.Bytes()
}

// Port returns the host end of the serial link
func (k *Klipper) Port() io.ReadWriteCloser {
	return klipperPort{k}
}

type klipperPort struct{ k *Klipper }

func (p klipperPort) Read(b []byte) (int, error)  { return p.k.hostR.Read(b) }
func (p klipperPort) Write(b []byte) (int, error) { return p.k.hostW.Write(b) }

func (p klipperPort) Close() error {
	p.k.hostR.Close()
	return p.k.hostW.Close()
}

func (k *Klipper) serve() {
	defer k.mcuW.Close()

	fifo := protocol.NewFifoBuffer(512)
	buf := make([]byte, 64)
	for {
		n, err := k.mcuR.Read(buf)
		if n > 0 {
			fifo.Write(buf[:n])
			k.transport.Receive(fifo)
		}
		if err != nil {
			return
		}
	}
}

func (k *Klipper) flush() {
	// a closed host end just drops the output
	k.mcuW.Write(k.out.Result())
	k.out.Reset()
}

func (k *Klipper) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.oids = 0
	k.configCRC = 0
	k.finalized = false
	k.shutdown = false
	k.devices = make(map[uint8]*SPIDevice)
}

// Device returns the configuration of oid
func (k *Klipper) Device(oid uint8) (SPIDevice, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[oid]
	if !ok {
		return SPIDevice{}, false
	}
	return *d, true
}

// ConfigCRC returns the crc sent with finalize_config, 0 before that
func (k *Klipper) ConfigCRC() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.configCRC
}

// Shutdown reports whether the MCU shut down on a configuration error.
// Only a reconnect (sequence restart) clears it.
func (k *Klipper) Shutdown() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shutdown
}

// DuplicateResponses makes the next n spi_transfer responses go out twice,
// the way a reply that arrives after the host gave up on it looks to the
// next transfer
func (k *Klipper) DuplicateResponses(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.duplicate = n
}

// configLocked checks that configuration commands are still accepted. A
// configuration command after finalize_config shuts the MCU down.
func (k *Klipper) configLocked(cmd string) error {
	if k.finalized {
		k.shutdown = true
		return fmt.Errorf("%s: already configured", cmd)
	}
	return nil
}

// LastError returns the last error hit while handling a command. A failed
// SPI transfer produces no response.
func (k *Klipper) LastError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastErr
}

func decodeArgs(data *[]byte, n int) ([]uint32, error) {
	args := make([]uint32, n)
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (k *Klipper) handle(cmdID uint16, data *[]byte) error {
	err := k.dispatch(cmdID, data)
	if err != nil {
		k.mu.Lock()
		k.lastErr = err
		k.mu.Unlock()
	}
	return err
}

func (k *Klipper) dispatch(cmdID uint16, data *[]byte) error {
	switch cmdID {
	case msgIdentify:
		args, err := decodeArgs(data, 2)
		if err != nil {
			return err
		}
		offset, count := int(args[0]), int(args[1])
		chunk := []byte{}
		if offset < len(k.dict) {
			end := offset + count
			if end > len(k.dict) {
				end = len(k.dict)
			}
			chunk = k.dict[offset:end]
		}
		k.transport.SendResponse(msgIdentifyResponse, func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, uint32(offset))
			protocol.EncodeVLQBytes(output, chunk)
		})

	case msgGetConfig:
		k.mu.Lock()
		crc, finalized, shutdown := k.configCRC, k.finalized, k.shutdown
		k.mu.Unlock()
		k.transport.SendResponse(msgConfig, func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, boolVLQ(finalized))
			protocol.EncodeVLQUint(output, crc)
			protocol.EncodeVLQUint(output, boolVLQ(shutdown))
			protocol.EncodeVLQUint(output, 16)
		})

	case msgAllocateOids:
		args, err := decodeArgs(data, 1)
		if err != nil {
			return err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		if k.oids != 0 {
			k.shutdown = true
			return fmt.Errorf("allocate_oids: oids already allocated")
		}
		if err := k.configLocked("allocate_oids"); err != nil {
			return err
		}
		k.oids = int(args[0])

	case msgConfigSPI:
		args, err := decodeArgs(data, 3)
		if err != nil {
			return err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		if err := k.configLocked("config_spi"); err != nil {
			return err
		}
		if int(args[0]) >= k.oids {
			return fmt.Errorf("config_spi: oid %d not allocated", args[0])
		}
		k.devices[uint8(args[0])] = &SPIDevice{Pin: args[1], CSActiveHigh: args[2] != 0}

	case msgSPISetBus:
		args, err := decodeArgs(data, 4)
		if err != nil {
			return err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		d, ok := k.devices[uint8(args[0])]
		if !ok {
			return fmt.Errorf("spi_set_bus: unknown oid %d", args[0])
		}
		d.Bus, d.Mode, d.Rate, d.BusSet = args[1], args[2], args[3], true

	case msgFinalizeConfig:
		args, err := decodeArgs(data, 1)
		if err != nil {
			return err
		}
		k.mu.Lock()
		defer k.mu.Unlock()
		if err := k.configLocked("finalize_config"); err != nil {
			return err
		}
		k.configCRC = args[0]
		k.finalized = true

	case msgSPITransfer:
		return k.spiTransfer(data)

	default:
		*data = nil
		return fmt.Errorf("unknown command %d", cmdID)
	}

	return nil
}

func (k *Klipper) spiTransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	k.mu.Lock()
	d, ok := k.devices[uint8(oid)]
	ready := ok && d.BusSet
	shutdown := k.shutdown
	copies := 1
	if k.duplicate > 0 {
		k.duplicate--
		copies = 2
	}
	k.mu.Unlock()
	if shutdown {
		return fmt.Errorf("spi_transfer: mcu is shut down")
	}
	if !ready {
		return fmt.Errorf("spi_transfer: oid %d not configured", oid)
	}

	rx := make([]byte, len(tx))
	if err := k.bus.Transfer(tx, rx); err != nil {
		return fmt.Errorf("spi_transfer: %w", err)
	}

	for i := 0; i < copies; i++ {
		k.transport.SendResponse(msgSPITransferResponse, func(output protocol.OutputBuffer) {
			protocol.EncodeVLQUint(output, oid)
			protocol.EncodeVLQBytes(output, rx)
		})
	}
	return nil
}

func boolVLQ(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
