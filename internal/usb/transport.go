// Package usb abstracts the host USB backend consumed by the request engine
// and the DFU driver. The production implementation is backed by gousb;
// tests use the scriptable transport in the usbtest subpackage.
package usb

import (
	"context"
	"strings"
)

// MaxControlTransferDataSize is the largest data stage carried by a single
// control transfer on endpoint 0.
const MaxControlTransferDataSize = 4096

// Setup describes the 8-byte setup packet of a control transfer.
type Setup struct {
	RequestType uint8 // bmRequestType
	Request     uint8 // bRequest
	Value       uint16
	Index       uint16
	Length      uint16
}

// In reports whether the transfer's data stage is device-to-host.
func (s Setup) In() bool {
	return s.RequestType&0x80 != 0
}

// Transport is the capability interface over one USB device.
//
// Open and Close are idempotent from the caller's viewpoint. ControlIn
// issues a device-to-host transfer of up to Setup.Length bytes and returns
// the bytes actually produced by the device; ControlOut issues a
// host-to-device transfer whose data stage equals data. The interface
// management calls are used by the DFU driver only.
type Transport interface {
	Open(ctx context.Context) error
	Close() error

	ControlIn(ctx context.Context, setup Setup) ([]byte, error)
	ControlOut(ctx context.Context, setup Setup, data []byte) error

	ClaimInterface(number int) error
	ReleaseInterface(number int) error
	SetAltSetting(number, alt int) error

	VendorID() uint16
	ProductID() uint16
	SerialNumber() (string, error)
	StringDescriptor(index int) (string, error)
	ConfigDescriptor(index int) ([]byte, error)
}

// NormalizeSerial reduces a serial number descriptor to printable ASCII
// and lowercases it, the canonical form used as the device identity.
func NormalizeSerial(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= 0x20 && c <= 0x7E {
			b.WriteRune(c)
		}
	}
	return strings.ToLower(strings.TrimSpace(b.String()))
}
