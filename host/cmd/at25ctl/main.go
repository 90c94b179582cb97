package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"at25m02/eeprom"
	"at25m02/host/config"
	"at25m02/host/mcu"
	"at25m02/sim"
	"at25m02/spibus"
)

var (
	configPath = flag.String("config", "", "JSON configuration file")
	busKind    = flag.String("bus", "", "Bus override: periph, klipper, sim, klipper-sim")
	device     = flag.String("device", "", "Serial device override for the klipper bus")
	noVerify   = flag.Bool("no-verify", false, "Do not read writes back")
	verbose    = flag.Bool("verbose", false, "Dump every frame")
)

// Address and payload of the board bring-up write
const demoAddr = 0x0001ABCD

var demoPayload = []byte{0xEE, 0xCA, 0xDD, 0x32, 0x55}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open %s bus: %v\n", cfg.Bus, err)
		os.Exit(1)
	}
	defer closeBus()

	opts := cfg.Driver.Options()
	if *verbose {
		opts = append(opts, eeprom.WithDebugWriter(func(s string) { log.Print(s) }))
	}

	s := &session{
		dev:    eeprom.New(bus, opts...),
		verify: cfg.Driver.VerifyWrites() && !*noVerify,
		out:    os.Stdout,
	}

	if err := s.run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeBus()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: at25ctl [flags] command [args]\n\nCommands:\n")
	fmt.Fprintln(os.Stderr, "  status              - Read the status register")
	fmt.Fprintln(os.Stderr, "  read ADDR N         - Read N bytes as hex")
	fmt.Fprintln(os.Stderr, "  dump ADDR N         - Hex dump of N bytes")
	fmt.Fprintln(os.Stderr, "  write ADDR HEX      - Write bytes, split on rows (-verify/-no-verify)")
	fmt.Fprintln(os.Stderr, "  wren / wrdi         - Set / clear the write enable latch")
	fmt.Fprintln(os.Stderr, "  poll                - Send one LPWP")
	fmt.Fprintln(os.Stderr, "  wrsr VALUE          - Write the status register")
	fmt.Fprintln(os.Stderr, "  demo                - Write EE CA DD 32 55 at 0x01ABCD and check it")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	if *busKind != "" {
		cfg.Bus = *busKind
	}
	if *device != "" {
		cfg.Klipper.Device = *device
	}
	return cfg, cfg.Validate()
}

// openBus returns the transport selected by cfg and a function releasing it
func openBus(cfg *config.Config) (eeprom.Transport, func() error, error) {
	switch cfg.Bus {
	case config.BusSim:
		return sim.New(), func() error { return nil }, nil

	case config.BusKlipperSim:
		k := sim.NewKlipper(sim.New())
		m := mcu.NewMCU()
		m.Attach(k.Port())
		return klipperBus(cfg, m)

	case config.BusKlipper:
		m := mcu.NewMCU()
		if err := m.ConnectWithConfig(cfg.Klipper.Serial()); err != nil {
			return nil, nil, err
		}
		return klipperBus(cfg, m)

	case config.BusPeriph:
		p, err := spibus.OpenPeriph(cfg.SPI.Periph())
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

func klipperBus(cfg *config.Config, m *mcu.MCU) (eeprom.Transport, func() error, error) {
	m.Timeout = time.Duration(cfg.Klipper.TimeoutMs) * time.Millisecond
	if *verbose {
		m.SetDebugWriter(func(s string) { log.Print(s) })
	}

	if err := m.RetrieveDictionary(); err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("failed to retrieve dictionary: %w", err)
	}

	bus, err := m.ConfigureSPI(cfg.Klipper.SPI(cfg.SPI.ClockHz, cfg.SPI.Mode))
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return bus, m.Close, nil
}

type session struct {
	dev    *eeprom.Device
	verify bool
	out    io.Writer
}

func (s *session) run(args []string) error {
	cmd, args := args[0], args[1:]

	switch cmd {
	case "status":
		st, err := s.dev.ReadStatus()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "status %s\n", st)

	case "read", "dump":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s ADDR N", cmd)
		}
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad length %q", args[1])
		}

		data, err := s.dev.Read(addr, n)
		if err != nil {
			return err
		}
		if cmd == "read" {
			fmt.Fprintln(s.out, strings.ToUpper(hex.EncodeToString(data)))
		} else {
			dump(s.out, addr, data)
		}

	case "write":
		verify := s.verify
		var rest []string
		for _, a := range args {
			switch a {
			case "-verify":
				verify = true
			case "-no-verify":
				verify = false
			default:
				rest = append(rest, a)
			}
		}
		if len(rest) != 2 {
			return fmt.Errorf("usage: write ADDR HEX [-verify]")
		}

		addr, err := parseAddr(rest[0])
		if err != nil {
			return err
		}
		data, err := parseHex(rest[1])
		if err != nil {
			return err
		}

		n, err := s.dev.WritePages(addr, data, verify)
		if err != nil {
			return fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), err)
		}
		fmt.Fprintf(s.out, "wrote %d bytes at 0x%06X\n", n, addr)

	case "wren":
		return s.dev.WriteEnable()

	case "wrdi":
		return s.dev.WriteDisable()

	case "poll":
		v, err := s.dev.PollWriteBusy()
		if err != nil {
			return err
		}
		state := "idle"
		if v == eeprom.PollBusy {
			state = "busy"
		}
		fmt.Fprintf(s.out, "0x%02X %s\n", v, state)

	case "wrsr":
		if len(args) != 1 {
			return fmt.Errorf("usage: wrsr VALUE")
		}
		v, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return fmt.Errorf("bad status value %q", args[0])
		}
		return s.dev.WriteStatus(eeprom.Status(v))

	case "demo":
		if err := s.dev.Write(demoAddr, demoPayload, true); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "write check successful")

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}

	return nil
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v >= eeprom.Size {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex data: %w", err)
	}
	return data, nil
}

// dump writes 16 bytes per line prefixed with the device address
func dump(w io.Writer, addr uint32, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]

		ascii := make([]byte, len(line))
		for i, b := range line {
			if b >= 0x20 && b < 0x7F {
				ascii[i] = b
			} else {
				ascii[i] = '.'
			}
		}
		fmt.Fprintf(w, "%06X  %-47s  |%s|\n", addr+uint32(off), fmt.Sprintf("% X", line), ascii)
	}
}
