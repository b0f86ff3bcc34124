package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// DefaultControlTimeout bounds a single control transfer at the backend.
const DefaultControlTimeout = 5 * time.Second

// Filter selects devices during enumeration. Zero fields match anything.
type Filter struct {
	VendorID  uint16
	ProductID uint16
}

func (f Filter) matches(desc *gousb.DeviceDesc) bool {
	if f.VendorID != 0 && uint16(desc.Vendor) != f.VendorID {
		return false
	}
	if f.ProductID != 0 && uint16(desc.Product) != f.ProductID {
		return false
	}
	return true
}

// sharedContext refcounts one gousb.Context across the transports returned
// by a single enumeration.
type sharedContext struct {
	ctx  *gousb.Context
	mu   sync.Mutex
	refs int
}

func (s *sharedContext) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		s.ctx.Close()
	}
}

// GousbTransport implements Transport over a libusb device handle.
type GousbTransport struct {
	shared *sharedContext
	dev    *gousb.Device

	mu     sync.Mutex
	opened bool
	closed bool
	cfg    *gousb.Config
	intf   *gousb.Interface
}

// List enumerates devices matching the filter and returns one unopened
// transport per match.
func List(filter Filter) ([]*GousbTransport, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return filter.matches(desc)
	})
	// OpenDevices reports an error if any device failed to open; the ones
	// it did open are still usable, so an error with results is not fatal.
	if len(devs) == 0 {
		ctx.Close()
		if err != nil {
			return nil, usberr.Wrap(usberr.CodeUsb, "enumerating devices", err)
		}
		return nil, nil
	}
	shared := &sharedContext{ctx: ctx, refs: len(devs)}
	transports := make([]*GousbTransport, 0, len(devs))
	for _, dev := range devs {
		dev.ControlTimeout = DefaultControlTimeout
		transports = append(transports, &GousbTransport{shared: shared, dev: dev})
	}
	return transports, nil
}

// Open marks the transport usable. The underlying handle is already open
// after enumeration, so this only validates state.
func (t *GousbTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return usberr.New(usberr.CodeState, "transport is closed")
	}
	t.opened = true
	return nil
}

// Close releases the interface, the device handle and the context reference.
// Safe to call more than once.
func (t *GousbTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	err := t.dev.Close()
	t.shared.release()
	if err != nil {
		return usberr.Wrap(usberr.CodeUsb, "closing device", err)
	}
	return nil
}

func (t *GousbTransport) checkUsable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return usberr.New(usberr.CodeState, "transport is closed")
	}
	return nil
}

// ControlIn issues a device-to-host control transfer of up to setup.Length
// bytes. Short reads are returned as-is; the layers above decide whether a
// short read is an error.
func (t *GousbTransport) ControlIn(ctx context.Context, setup Setup) ([]byte, error) {
	if err := t.checkUsable(ctx); err != nil {
		return nil, err
	}
	buf := make([]byte, setup.Length)
	n, err := t.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, buf)
	if err != nil {
		return nil, mapUsbError("control IN transfer", err)
	}
	return buf[:n], nil
}

// ControlOut issues a host-to-device control transfer whose data stage
// equals data.
func (t *GousbTransport) ControlOut(ctx context.Context, setup Setup, data []byte) error {
	if err := t.checkUsable(ctx); err != nil {
		return err
	}
	_, err := t.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	if err != nil {
		return mapUsbError("control OUT transfer", err)
	}
	return nil
}

// ClaimInterface claims the interface with its alt-setting 0.
func (t *GousbTransport) ClaimInterface(number int) error {
	return t.claim(number, 0)
}

func (t *GousbTransport) claim(number, alt int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return usberr.New(usberr.CodeState, "transport is closed")
	}
	if t.cfg == nil {
		cfg, err := t.dev.Config(1)
		if err != nil {
			return mapUsbError("selecting configuration", err)
		}
		t.cfg = cfg
	}
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	intf, err := t.cfg.Interface(number, alt)
	if err != nil {
		return mapUsbError(fmt.Sprintf("claiming interface %d alt %d", number, alt), err)
	}
	t.intf = intf
	return nil
}

// ReleaseInterface releases the claimed interface, if any.
func (t *GousbTransport) ReleaseInterface(number int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	return nil
}

// SetAltSetting re-claims the interface with the given alternate setting.
func (t *GousbTransport) SetAltSetting(number, alt int) error {
	return t.claim(number, alt)
}

func (t *GousbTransport) VendorID() uint16 {
	return uint16(t.dev.Desc.Vendor)
}

func (t *GousbTransport) ProductID() uint16 {
	return uint16(t.dev.Desc.Product)
}

func (t *GousbTransport) SerialNumber() (string, error) {
	s, err := t.dev.SerialNumber()
	if err != nil {
		return "", mapUsbError("reading serial number", err)
	}
	return s, nil
}

func (t *GousbTransport) StringDescriptor(index int) (string, error) {
	s, err := t.dev.GetStringDescriptor(index)
	if err != nil {
		return "", mapUsbError(fmt.Sprintf("reading string descriptor %d", index), err)
	}
	return s, nil
}

// ConfigDescriptor fetches the raw configuration descriptor of the given
// index, header first to learn wTotalLength, then in full.
func (t *GousbTransport) ConfigDescriptor(index int) ([]byte, error) {
	const (
		reqGetDescriptor = 0x06
		descTypeConfig   = 0x02
	)
	head := make([]byte, 9)
	wValue := uint16(descTypeConfig)<<8 | uint16(index)
	n, err := t.dev.Control(0x80, reqGetDescriptor, wValue, 0, head)
	if err != nil {
		return nil, mapUsbError("reading configuration descriptor header", err)
	}
	if n < 4 {
		return nil, usberr.New(usberr.CodeProtocol, "short configuration descriptor header")
	}
	total := int(head[2]) | int(head[3])<<8
	if total < 9 {
		return nil, usberr.New(usberr.CodeProtocol, "invalid configuration descriptor length")
	}
	buf := make([]byte, total)
	n, err = t.dev.Control(0x80, reqGetDescriptor, wValue, 0, buf)
	if err != nil {
		return nil, mapUsbError("reading configuration descriptor", err)
	}
	return buf[:n], nil
}

// mapUsbError converts gousb errors into the shared taxonomy, keeping STALL
// and detach conditions distinguishable.
func mapUsbError(op string, err error) error {
	var code gousb.Error
	if errors.As(err, &code) {
		switch code {
		case gousb.ErrorPipe:
			return usberr.Wrap(usberr.CodeUsbStall, op, err)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return usberr.Wrap(usberr.CodeNotFound, op, err)
		}
	}
	return usberr.Wrap(usberr.CodeUsb, op, err)
}
