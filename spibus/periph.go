package spibus

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Periph drives the chip through a periph.io SPI connection
type Periph struct {
	conn spi.Conn
	port spi.PortCloser

	cs   gpio.PinOut
	wp   gpio.PinOut
	hold gpio.PinOut
}

// NewPeriph uses an already connected SPI conn. cs may be nil when the port
// drives chip select itself.
func NewPeriph(c spi.Conn, cs gpio.PinOut) *Periph {
	return &Periph{conn: c, cs: cs}
}

// Transfer implements eeprom.Transport
func (p *Periph) Transfer(tx, rx []byte) error {
	if err := checkLen(tx, rx); err != nil {
		return err
	}

	if p.cs != nil {
		if err := p.cs.Out(gpio.Low); err != nil {
			return fmt.Errorf("spibus: assert CS: %w", err)
		}
	}

	err := p.conn.Tx(tx, rx)

	if p.cs != nil {
		if csErr := p.cs.Out(gpio.High); csErr != nil && err == nil {
			err = fmt.Errorf("spibus: release CS: %w", csErr)
		}
	}
	return err
}

// MaxTxSize implements eeprom.Limits from the connection's conn.Limits
func (p *Periph) MaxTxSize() int {
	if l, ok := p.conn.(conn.Limits); ok {
		return l.MaxTxSize()
	}
	return 0
}

// SetPins attaches the write protect and hold pins. Either may be nil.
func (p *Periph) SetPins(wp, hold gpio.PinOut) {
	p.wp = wp
	p.hold = hold
}

// SetWriteProtect drives WP low when on, which lets WPEN lock the status
// register
func (p *Periph) SetWriteProtect(on bool) error {
	if p.wp == nil {
		return errors.New("spibus: no WP pin")
	}
	return p.wp.Out(gpio.Level(!on))
}

// SetHold pauses the chip mid-transfer when on
func (p *Periph) SetHold(on bool) error {
	if p.hold == nil {
		return errors.New("spibus: no HOLD pin")
	}
	return p.hold.Out(gpio.Level(!on))
}

// Close releases the port when it was opened by OpenPeriph
func (p *Periph) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// PeriphConfig selects the SPI port and pins opened by OpenPeriph
type PeriphConfig struct {
	// Port is a spireg name such as "/dev/spidev0.0"; empty picks the first
	Port string

	Frequency physic.Frequency
	Mode      spi.Mode

	// gpioreg pin names; empty means not wired
	CS   string
	WP   string
	HOLD string
}

// OpenPeriph initializes the host drivers, opens the SPI port and drives WP
// and HOLD high so writes are possible
func OpenPeriph(cfg PeriphConfig) (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}

	pins := map[string]gpio.PinIO{}
	for _, name := range []string{cfg.CS, cfg.WP, cfg.HOLD} {
		if name == "" {
			continue
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("gpio %s not found", name)
		}
		if err := pin.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("gpio %s: %w", name, err)
		}
		pins[name] = pin
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("could not open spi port %q: %w", cfg.Port, err)
	}

	c, err := port.Connect(cfg.Frequency, cfg.Mode, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("could not connect spi port: %w", err)
	}

	p := &Periph{conn: c, port: port}
	if cfg.CS != "" {
		p.cs = pins[cfg.CS]
	}
	if cfg.WP != "" {
		p.wp = pins[cfg.WP]
	}
	if cfg.HOLD != "" {
		p.hold = pins[cfg.HOLD]
	}
	return p, nil
}
