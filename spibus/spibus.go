// Package spibus adapts SPI host stacks to the eeprom.Transport interface.
//
// Every adapter runs one chip-selected, full-duplex exchange per Transfer.
package spibus

import "fmt"

// TransferFunc adapts a plain function to eeprom.Transport
type TransferFunc func(tx, rx []byte) error

func (f TransferFunc) Transfer(tx, rx []byte) error {
	return f(tx, rx)
}

// Driver is a bus driver that addresses its buses through an opaque handle,
// the shape of firmware SPI HALs
type Driver interface {
	Transfer(handle interface{}, tx, rx []byte) error
}

// Handle binds a Driver to one of its buses
type Handle struct {
	Driver Driver
	Bus    interface{}
}

func (h Handle) Transfer(tx, rx []byte) error {
	return h.Driver.Transfer(h.Bus, tx, rx)
}

func checkLen(tx, rx []byte) error {
	if len(tx) != len(rx) {
		return fmt.Errorf("spibus: tx/rx length mismatch: %d != %d", len(tx), len(rx))
	}
	return nil
}
