// Package discovery enumerates attached devices and summarizes their
// identity and mode without keeping them open.
package discovery

import (
	"context"
	"fmt"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
)

// DeviceInfo summarizes one discovered device.
type DeviceInfo struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Serial    string `json:"serial_number"`
	DFU       bool   `json:"dfu_mode"`
	Error     string `json:"error,omitempty"`
}

// Label returns a short human-readable identity for the device.
func (i DeviceInfo) Label() string {
	mode := "app"
	if i.DFU {
		mode = "dfu"
	}
	return fmt.Sprintf("%04x:%04x %s (%s)", i.VendorID, i.ProductID, i.Serial, mode)
}

// Scan enumerates devices matching the filter, probes each for serial and
// mode, and releases the handles. Probe failures are reported per device
// rather than failing the scan.
func Scan(ctx context.Context, filter usb.Filter) ([]DeviceInfo, error) {
	transports, err := usb.List(filter)
	if err != nil {
		return nil, err
	}
	infos := make([]DeviceInfo, 0, len(transports))
	for _, tr := range transports {
		info := probe(ctx, tr)
		tr.Close()
		infos = append(infos, info)
	}
	return infos, nil
}

func probe(ctx context.Context, tr usb.Transport) DeviceInfo {
	info := DeviceInfo{
		VendorID:  tr.VendorID(),
		ProductID: tr.ProductID(),
	}
	if err := tr.Open(ctx); err != nil {
		info.Error = err.Error()
		return info
	}
	serial, err := tr.SerialNumber()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Serial = usb.NormalizeSerial(serial)

	desc, err := tr.ConfigDescriptor(0)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	ifaces, err := usb.ParseInterfaces(desc)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	for _, iface := range ifaces {
		if iface.IsDFU() {
			info.DFU = true
			break
		}
	}
	return info
}
