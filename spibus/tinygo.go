package spibus

import "tinygo.org/x/drivers"

// TinyGo drives the chip through a TinyGo SPI bus such as machine.SPI0.
// cs is called with false to select the chip and true to release it; pass
// machine.Pin.Set of the CS pin.
type TinyGo struct {
	bus drivers.SPI
	cs  func(level bool)
}

func NewTinyGo(bus drivers.SPI, cs func(level bool)) *TinyGo {
	return &TinyGo{bus: bus, cs: cs}
}

// Transfer implements eeprom.Transport
func (t *TinyGo) Transfer(tx, rx []byte) error {
	if err := checkLen(tx, rx); err != nil {
		return err
	}

	if t.cs != nil {
		t.cs(false)
		defer t.cs(true)
	}
	return t.bus.Tx(tx, rx)
}
