// Package device is the public facade over one USB device: lifecycle,
// identification, and either the vendor request engine (application
// firmware) or the DFU driver (firmware-update mode), never both.
package device

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/particle-iot/particle-usb-sub000/internal/dfu"
	"github.com/particle-iot/particle-usb-sub000/internal/engine"
	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

type state int

const (
	stateClosed state = iota
	stateOpening
	stateOpen
	stateClosing
)

// Options configure a device handle.
type Options struct {
	// ConcurrentRequests caps concurrent vendor requests. Zero leaves the
	// cap to the device.
	ConcurrentRequests int

	// DFUInterface is the interface number claimed in DFU mode.
	DFUInterface int

	// Logger receives diagnostics from the handle and its engine/driver.
	// Nil discards them.
	Logger *log.Logger
}

// CloseOptions control how pending requests are handled during close.
type CloseOptions struct {
	// ProcessPendingRequests lets pending requests finish before the
	// device closes. When false they are rejected immediately.
	ProcessPendingRequests bool

	// Timeout bounds the wait for pending requests. Zero waits
	// indefinitely.
	Timeout time.Duration
}

// RequestOptions tune one vendor request.
type RequestOptions = engine.RequestOptions

// Result is the outcome of a completed vendor request.
type Result = engine.Result

// Progress mirrors the DFU transfer progress events.
type Progress struct {
	Event string
	Bytes int
	Total int
}

// ProtectionState re-exports the DFU protection states.
type ProtectionState = dfu.ProtectionState

const (
	ProtectionUnknown     = dfu.ProtectionUnknown
	ProtectionOpen        = dfu.ProtectionOpen
	ProtectionProtected   = dfu.ProtectionProtected
	ProtectionServiceMode = dfu.ProtectionServiceMode
)

// Device is a handle over one enumerated device. Handles are created in
// the Closed state and mutated only by Open and Close.
type Device struct {
	tr   usb.Transport
	opts Options
	log  *log.Logger

	mu      sync.Mutex
	state   state
	dfuMode bool
	eng     *engine.Engine
	drv     *dfu.Dfu
	serial  string
	version string
}

// New wraps a transport in a closed device handle.
func New(tr usb.Transport, opts *Options) *Device {
	d := &Device{tr: tr, log: log.New(io.Discard, "", 0)}
	if opts != nil {
		d.opts = *opts
		if opts.Logger != nil {
			d.log = opts.Logger
		}
	}
	return d
}

// List enumerates devices matching the filter and returns closed handles.
func List(filter usb.Filter, opts *Options) ([]*Device, error) {
	transports, err := usb.List(filter)
	if err != nil {
		return nil, err
	}
	devices := make([]*Device, 0, len(transports))
	for _, tr := range transports {
		devices = append(devices, New(tr, opts))
	}
	return devices, nil
}

// OpenFirst opens the first device matching the filter and releases the
// rest.
func OpenFirst(ctx context.Context, filter usb.Filter, opts *Options) (*Device, error) {
	devices, err := List(filter, opts)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, usberr.New(usberr.CodeNotFound, "no matching device found")
	}
	for _, extra := range devices[1:] {
		extra.tr.Close()
	}
	dev := devices[0]
	if err := dev.Open(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

// Open opens the transport, identifies the device and starts the engine
// matching its mode: the DFU driver when a DFU interface is advertised,
// the vendor request engine otherwise.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.state != stateClosed {
		d.mu.Unlock()
		return usberr.New(usberr.CodeState, "device is already open")
	}
	d.state = stateOpening
	d.mu.Unlock()

	err := d.open(ctx)
	d.mu.Lock()
	if err != nil {
		d.state = stateClosed
	} else {
		d.state = stateOpen
	}
	d.mu.Unlock()
	return err
}

func (d *Device) open(ctx context.Context) error {
	if err := d.tr.Open(ctx); err != nil {
		return usberr.Wrap(usberr.CodeUsb, "opening transport", err)
	}
	fail := func(err error) error {
		d.tr.Close()
		return err
	}

	dfuMode, err := d.probeDFUMode()
	if err != nil {
		return fail(err)
	}
	d.mu.Lock()
	d.dfuMode = dfuMode
	d.mu.Unlock()

	if dfuMode {
		serial, err := d.tr.SerialNumber()
		if err != nil {
			return fail(err)
		}
		drv, err := dfu.Open(ctx, d.tr, &dfu.Options{
			Interface: d.opts.DFUInterface,
			Logger:    d.opts.Logger,
		})
		if err != nil {
			return fail(err)
		}
		d.mu.Lock()
		d.serial = usb.NormalizeSerial(serial)
		d.drv = drv
		d.mu.Unlock()
		return nil
	}

	eng := engine.New(d.tr, &engine.Options{
		ConcurrentRequests: d.opts.ConcurrentRequests,
		Logger:             d.opts.Logger,
	})
	if err := eng.Open(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.eng = eng
	d.serial = eng.SerialNumber()
	d.version = eng.FirmwareVersion()
	d.mu.Unlock()
	return nil
}

// probeDFUMode checks the configuration descriptor for a DFU interface.
func (d *Device) probeDFUMode() (bool, error) {
	desc, err := d.tr.ConfigDescriptor(0)
	if err != nil {
		return false, err
	}
	ifaces, err := usb.ParseInterfaces(desc)
	if err != nil {
		return false, err
	}
	for _, info := range ifaces {
		if info.IsDFU() {
			return true, nil
		}
	}
	return false, nil
}

// Close tears the device down. Transport errors during close are logged
// and swallowed; the handle always ends Closed. Idempotent.
func (d *Device) Close(opts *CloseOptions) error {
	d.mu.Lock()
	switch d.state {
	case stateClosed:
		d.mu.Unlock()
		return nil
	case stateOpening, stateClosing:
		d.mu.Unlock()
		return usberr.New(usberr.CodeState, "device is busy")
	}
	d.state = stateClosing
	eng, drv := d.eng, d.drv
	d.mu.Unlock()

	if eng != nil {
		var engOpts engine.CloseOptions
		if opts != nil {
			engOpts.ProcessPendingRequests = opts.ProcessPendingRequests
			engOpts.Timeout = opts.Timeout
		}
		if err := eng.Close(engOpts); err != nil {
			d.log.Printf("closing engine: %v", err)
		}
	} else {
		if drv != nil {
			if err := drv.Close(); err != nil {
				d.log.Printf("releasing DFU interface: %v", err)
			}
		}
		if err := d.tr.Close(); err != nil {
			d.log.Printf("closing transport: %v", err)
		}
	}

	d.mu.Lock()
	d.state = stateClosed
	d.eng = nil
	d.drv = nil
	d.mu.Unlock()
	return nil
}

// SerialNumber returns the device serial captured at open, normalized to
// printable lowercase ASCII.
func (d *Device) SerialNumber() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serial
}

// FirmwareVersion returns the firmware version captured at open, empty
// when unknown.
func (d *Device) FirmwareVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// IsInDFUMode reports whether the device is in firmware-update mode.
func (d *Device) IsInDFUMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dfuMode
}

// VendorID returns the USB vendor id.
func (d *Device) VendorID() uint16 { return d.tr.VendorID() }

// ProductID returns the USB product id.
func (d *Device) ProductID() uint16 { return d.tr.ProductID() }

func (d *Device) engine() (*engine.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateOpen || d.eng == nil {
		return nil, usberr.New(usberr.CodeState, "device is not open in normal mode")
	}
	return d.eng, nil
}

func (d *Device) driver() (*dfu.Dfu, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateOpen || d.drv == nil {
		return nil, usberr.New(usberr.CodeState, "device is not open in DFU mode")
	}
	return d.drv, nil
}

// SendRequest submits a vendor request and waits for the reply. A negative
// application result is returned alongside a CodeRequest error.
func (d *Device) SendRequest(ctx context.Context, reqType int, data []byte, opts *RequestOptions) (Result, error) {
	eng, err := d.engine()
	if err != nil {
		return Result{}, err
	}
	res, err := eng.SendRequest(ctx, reqType, data, opts)
	if err != nil {
		return res, err
	}
	if res.Code < 0 {
		return res, usberr.NewRequest(res.Code)
	}
	return res, nil
}

// SendTextRequest submits a text vendor request; the reply payload is
// decoded as text.
func (d *Device) SendTextRequest(ctx context.Context, reqType int, text string, opts *RequestOptions) (int32, string, error) {
	eng, err := d.engine()
	if err != nil {
		return 0, "", err
	}
	code, reply, err := eng.SendTextRequest(ctx, reqType, text, opts)
	if err != nil {
		return code, reply, err
	}
	if code < 0 {
		return code, reply, usberr.NewRequest(code)
	}
	return code, reply, nil
}

// Reset asks a DFU-mode device to manifest and reboot.
func (d *Device) Reset(ctx context.Context) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.Leave(ctx)
}

func progressAdapter(fn func(Progress)) dfu.ProgressFunc {
	if fn == nil {
		return nil
	}
	return func(e dfu.ProgressEvent) {
		fn(Progress{Event: e.Event, Bytes: e.Bytes, Total: e.Total})
	}
}

// SetAltSetting selects the DFU alternate setting exposing another memory.
func (d *Device) SetAltSetting(ctx context.Context, alt int) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.SetAltSetting(ctx, alt)
}

// Erase erases the sectors overlapping [addr, addr+length) on the selected
// memory.
func (d *Device) Erase(ctx context.Context, addr, length uint32, progress func(Progress)) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.Erase(ctx, addr, length, progressAdapter(progress))
}

// FlashOptions describe one firmware download via the facade.
type FlashOptions struct {
	Addr     uint32
	Data     []byte
	NoErase  bool
	Leave    bool
	Progress func(Progress)
}

// Flash downloads data into the selected memory.
func (d *Device) Flash(ctx context.Context, opts FlashOptions) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.Download(ctx, dfu.DownloadOptions{
		Addr:     opts.Addr,
		Data:     opts.Data,
		NoErase:  opts.NoErase,
		Leave:    opts.Leave,
		Progress: progressAdapter(opts.Progress),
	})
}

// ReadMemory uploads up to maxSize bytes of the selected memory starting
// at addr.
func (d *Device) ReadMemory(ctx context.Context, addr uint32, maxSize int, progress func(Progress)) ([]byte, error) {
	drv, err := d.driver()
	if err != nil {
		return nil, err
	}
	return drv.Upload(ctx, dfu.UploadOptions{
		Addr:     addr,
		MaxSize:  maxSize,
		Progress: progressAdapter(progress),
	})
}

// GetProtectionState queries the device security mode.
func (d *Device) GetProtectionState(ctx context.Context) (ProtectionState, error) {
	drv, err := d.driver()
	if err != nil {
		return ProtectionUnknown, err
	}
	return drv.GetProtectionState(ctx)
}

// EnterSafeMode reboots a DFU-mode device into safe mode.
func (d *Device) EnterSafeMode(ctx context.Context) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.EnterSafeMode(ctx)
}

// ClearSecurityModeOverride clears a sticky service-mode override.
func (d *Device) ClearSecurityModeOverride(ctx context.Context) error {
	drv, err := d.driver()
	if err != nil {
		return err
	}
	return drv.ClearSecurityModeOverride(ctx)
}
