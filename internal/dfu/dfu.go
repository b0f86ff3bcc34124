// Package dfu drives devices in firmware-update mode: the USB DFU 1.1
// state machine, the DfuSe command sublayer, and sectored memory transfer
// on top of a parsed memory map.
package dfu

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// DFU class requests, USB DFU 1.1 §3.
const (
	reqDetach    = 0
	reqDnload    = 1
	reqUpload    = 2
	reqGetStatus = 3
	reqClrStatus = 4
	reqGetState  = 5
	reqAbort     = 6

	requestTypeOut = 0x21 // class request, interface recipient, host to device
	requestTypeIn  = 0xA1 // class request, interface recipient, device to host
)

// State is a DFU device state, USB DFU 1.1 §6.1.2.
type State uint8

const (
	AppIdle State = iota
	AppDetach
	DfuIdle
	DfuDnloadSync
	DfuDnBusy
	DfuDnloadIdle
	DfuManifestSync
	DfuManifest
	DfuManifestWaitReset
	DfuUploadIdle
	DfuError
)

var stateNames = map[State]string{
	AppIdle:              "appIDLE",
	AppDetach:            "appDETACH",
	DfuIdle:              "dfuIDLE",
	DfuDnloadSync:        "dfuDNLOAD_SYNC",
	DfuDnBusy:            "dfuDNBUSY",
	DfuDnloadIdle:        "dfuDNLOAD_IDLE",
	DfuManifestSync:      "dfuMANIFEST_SYNC",
	DfuManifest:          "dfuMANIFEST",
	DfuManifestWaitReset: "dfuMANIFEST_WAIT_RESET",
	DfuUploadIdle:        "dfuUPLOAD_IDLE",
	DfuError:             "dfuERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// DeviceStatus is a DFU status code, USB DFU 1.1 §6.1.2.
type DeviceStatus uint8

const (
	StatusOK            DeviceStatus = 0x00
	ErrTarget           DeviceStatus = 0x01
	ErrFile             DeviceStatus = 0x02
	ErrWrite            DeviceStatus = 0x03
	ErrErase            DeviceStatus = 0x04
	ErrCheckErased      DeviceStatus = 0x05
	ErrProg             DeviceStatus = 0x06
	ErrVerify           DeviceStatus = 0x07
	ErrAddress          DeviceStatus = 0x08
	ErrNotDone          DeviceStatus = 0x09
	ErrFirmware         DeviceStatus = 0x0A
	ErrVendor           DeviceStatus = 0x0B
	ErrUsbReset         DeviceStatus = 0x0C
	ErrPowerOnReset     DeviceStatus = 0x0D
	ErrUnknown          DeviceStatus = 0x0E
	ErrStalledPkt       DeviceStatus = 0x0F
)

// Status is a decoded GET_STATUS reply.
type Status struct {
	Status      DeviceStatus
	PollTimeout time.Duration // bwPollTimeout, 24-bit milliseconds
	State       State
	StringIndex int // iString, vendor description; 0 = none
}

// Options configure a DFU driver.
type Options struct {
	// Interface is the bInterfaceNumber to claim. Defaults to 0.
	Interface int

	// AltSetting is the initial alternate setting. Defaults to 0.
	AltSetting int

	// Logger receives driver diagnostics. Nil discards them.
	Logger *log.Logger
}

// DefaultTransferSize applies when the DFU_FUNCTIONAL descriptor omits
// wTransferSize.
const DefaultTransferSize = 1024

// Dfu drives one device in DFU mode over a claimed interface.
type Dfu struct {
	tr  usb.Transport
	log *log.Logger

	iface        int
	alt          int
	interfaces   []usb.InterfaceInfo
	transferSize int
	memory       *MemoryMap

	// commands caches the GET_COMMAND list; nil until probed.
	commands []byte
}

// Open claims the DFU interface, selects the initial alt-setting and walks
// the configuration descriptor for the DFU interfaces and their
// DFU_FUNCTIONAL data.
func Open(ctx context.Context, tr usb.Transport, opts *Options) (*Dfu, error) {
	d := &Dfu{
		tr:           tr,
		log:          log.New(io.Discard, "", 0),
		transferSize: DefaultTransferSize,
	}
	if opts != nil {
		d.iface = opts.Interface
		d.alt = opts.AltSetting
		if opts.Logger != nil {
			d.log = opts.Logger
		}
	}

	if err := tr.ClaimInterface(d.iface); err != nil {
		return nil, err
	}
	if d.alt != 0 {
		if err := tr.SetAltSetting(d.iface, d.alt); err != nil {
			tr.ReleaseInterface(d.iface)
			return nil, err
		}
	}
	desc, err := tr.ConfigDescriptor(0)
	if err != nil {
		tr.ReleaseInterface(d.iface)
		return nil, err
	}
	d.interfaces, err = usb.ParseInterfaces(desc)
	if err != nil {
		tr.ReleaseInterface(d.iface)
		return nil, err
	}
	d.transferSize = d.transferSizeFor(d.iface, d.alt)

	// The memory descriptor of the initial alt-setting is loaded on a
	// best-effort basis; not every interface string parses as one.
	if info := d.interfaceInfo(d.iface, d.alt); info != nil && info.StringIndex != 0 {
		if s, err := tr.StringDescriptor(info.StringIndex); err == nil {
			if mem, err := ParseMemoryDescriptor(s); err == nil {
				d.memory = mem
			}
		}
	}
	return d, nil
}

// Close releases the DFU interface. The transport stays open.
func (d *Dfu) Close() error {
	return d.tr.ReleaseInterface(d.iface)
}

func (d *Dfu) interfaceInfo(number, alt int) *usb.InterfaceInfo {
	for i := range d.interfaces {
		if d.interfaces[i].Number == number && d.interfaces[i].AltSetting == alt {
			return &d.interfaces[i]
		}
	}
	return nil
}

func (d *Dfu) transferSizeFor(number, alt int) int {
	if info := d.interfaceInfo(number, alt); info != nil && info.Functional != nil && info.Functional.TransferSize != 0 {
		return int(info.Functional.TransferSize)
	}
	// DfuSe descriptors often attach one DFU_FUNCTIONAL after the last
	// alt-setting; fall back to any one present.
	for i := range d.interfaces {
		if f := d.interfaces[i].Functional; f != nil && f.TransferSize != 0 {
			return int(f.TransferSize)
		}
	}
	return DefaultTransferSize
}

// TransferSize returns the chunk size used for DNLOAD/UPLOAD data stages.
func (d *Dfu) TransferSize() int {
	return d.transferSize
}

// Memory returns the memory map of the selected alt-setting, nil when the
// interface string did not parse as a memory descriptor.
func (d *Dfu) Memory() *MemoryMap {
	return d.memory
}

// SetAltSetting selects the interface alternate setting exposing another
// memory, capturing its transfer size and parsing its memory descriptor.
func (d *Dfu) SetAltSetting(ctx context.Context, alt int) error {
	info := d.interfaceInfo(d.iface, alt)
	if info == nil {
		return usberr.Newf(usberr.CodeDfu, "interface %d has no alt-setting %d", d.iface, alt)
	}
	if err := d.tr.SetAltSetting(d.iface, alt); err != nil {
		return err
	}
	d.alt = alt
	d.transferSize = d.transferSizeFor(d.iface, alt)
	d.memory = nil
	if info.StringIndex != 0 {
		s, err := d.tr.StringDescriptor(info.StringIndex)
		if err != nil {
			return err
		}
		mem, err := ParseMemoryDescriptor(s)
		if err != nil {
			return err
		}
		d.memory = mem
	}
	return nil
}

// GetStatus issues DFU_GETSTATUS and decodes the 6-byte reply.
func (d *Dfu) GetStatus(ctx context.Context) (*Status, error) {
	data, err := d.tr.ControlIn(ctx, usb.Setup{
		RequestType: requestTypeIn,
		Request:     reqGetStatus,
		Index:       uint16(d.iface),
		Length:      6,
	})
	if err != nil {
		return nil, err
	}
	if len(data) < 6 {
		return nil, usberr.New(usberr.CodeProtocol, "short DFU_GETSTATUS reply")
	}
	timeout := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16
	return &Status{
		Status:      DeviceStatus(data[0]),
		PollTimeout: time.Duration(timeout) * time.Millisecond,
		State:       State(data[4]),
		StringIndex: int(data[5]),
	}, nil
}

// ClearStatus issues DFU_CLRSTATUS, moving the device out of dfuERROR.
func (d *Dfu) ClearStatus(ctx context.Context) error {
	return d.tr.ControlOut(ctx, usb.Setup{
		RequestType: requestTypeOut,
		Request:     reqClrStatus,
		Index:       uint16(d.iface),
	}, nil)
}

// Abort issues DFU_ABORT.
func (d *Dfu) Abort(ctx context.Context) error {
	return d.tr.ControlOut(ctx, usb.Setup{
		RequestType: requestTypeOut,
		Request:     reqAbort,
		Index:       uint16(d.iface),
	}, nil)
}

func (d *Dfu) dnload(ctx context.Context, value uint16, data []byte) error {
	return d.tr.ControlOut(ctx, usb.Setup{
		RequestType: requestTypeOut,
		Request:     reqDnload,
		Value:       value,
		Index:       uint16(d.iface),
		Length:      uint16(len(data)),
	}, data)
}

func (d *Dfu) upload(ctx context.Context, value uint16, length int) ([]byte, error) {
	return d.tr.ControlIn(ctx, usb.Setup{
		RequestType: requestTypeIn,
		Request:     reqUpload,
		Value:       value,
		Index:       uint16(d.iface),
		Length:      uint16(length),
	})
}

// idleOptions select which idle states goIntoIdleState accepts besides
// dfuIDLE.
type idleOptions struct {
	dnloadIdle bool
	uploadIdle bool
}

func (o idleOptions) acceptable(s State) bool {
	if s == DfuIdle {
		return true
	}
	if o.dnloadIdle && s == DfuDnloadIdle {
		return true
	}
	if o.uploadIdle && s == DfuUploadIdle {
		return true
	}
	return false
}

// goIntoIdleState normalizes the device into an acceptable idle state,
// clearing a lingering dfuERROR along the way.
func (d *Dfu) goIntoIdleState(ctx context.Context, opts idleOptions) error {
	status, err := d.GetStatus(ctx)
	if err != nil {
		return err
	}
	if status.State == DfuError {
		if err := d.ClearStatus(ctx); err != nil {
			return err
		}
	} else if !opts.acceptable(status.State) {
		// CLRSTATUS outside dfuERROR is itself an error; the device lands
		// in dfuERROR and the next CLRSTATUS yields dfuIDLE.
		if err := d.ClearStatus(ctx); err != nil {
			d.log.Printf("clear status: %v", err)
		}
		status, err = d.GetStatus(ctx)
		if err != nil {
			return err
		}
		if status.State == DfuError {
			if err := d.ClearStatus(ctx); err != nil {
				return err
			}
		}
	}
	status, err = d.GetStatus(ctx)
	if err != nil {
		return err
	}
	if !opts.acceptable(status.State) {
		return usberr.Newf(usberr.CodeDfu, "invalid state %s", status.State)
	}
	return nil
}

// PollUntil repeatedly issues GET_STATUS, sleeping bwPollTimeout between
// calls, until the predicate holds or the device reports dfuERROR.
func (d *Dfu) PollUntil(ctx context.Context, pred func(State) bool) (*Status, error) {
	for {
		status, err := d.GetStatus(ctx)
		if err != nil {
			return nil, err
		}
		if pred(status.State) || status.State == DfuError {
			return status, nil
		}
		if err := sleep(ctx, status.PollTimeout); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave exits DFU mode so the device manifests the downloaded firmware and
// reboots. Gen2 devices report dfuDNLOAD_IDLE where the spec calls for
// dfuMANIFEST; both terminate the wait.
func (d *Dfu) Leave(ctx context.Context) error {
	if err := d.goIntoIdleState(ctx, idleOptions{dnloadIdle: true}); err != nil {
		return err
	}
	if err := d.dnload(ctx, 2, nil); err != nil {
		return err
	}
	_, err := d.PollUntil(ctx, func(s State) bool {
		return s == DfuManifest || s == DfuDnloadIdle
	})
	return err
}

// AbortToIdle aborts any transfer in progress and leaves the device in
// dfuIDLE.
func (d *Dfu) AbortToIdle(ctx context.Context) error {
	if err := d.Abort(ctx); err != nil {
		return err
	}
	status, err := d.GetStatus(ctx)
	if err != nil {
		return err
	}
	if status.State == DfuError {
		if err := d.ClearStatus(ctx); err != nil {
			return err
		}
		status, err = d.GetStatus(ctx)
		if err != nil {
			return err
		}
	}
	if status.State != DfuIdle {
		return usberr.Newf(usberr.CodeDfu, "invalid state %s", status.State)
	}
	return nil
}

// ProtectionState describes the device security mode.
type ProtectionState int

const (
	ProtectionUnknown ProtectionState = iota
	ProtectionOpen
	ProtectionProtected
	ProtectionServiceMode
)

func (p ProtectionState) String() string {
	switch p {
	case ProtectionOpen:
		return "open"
	case ProtectionProtected:
		return "protected"
	case ProtectionServiceMode:
		return "service-mode"
	default:
		return "unknown"
	}
}

// securityModeDescriptorIndex is the vendor string descriptor carrying
// "sm=<mode>".
const securityModeDescriptorIndex = 0xFA

// GetProtectionState queries the device security mode. Newer firmware
// publishes it in a vendor string descriptor; older firmware is probed by
// inspecting the internal-flash segment attributes.
func (d *Dfu) GetProtectionState(ctx context.Context) (ProtectionState, error) {
	if s, err := d.tr.StringDescriptor(securityModeDescriptorIndex); err == nil {
		if i := strings.Index(s, "sm="); i >= 0 && i+3 < len(s) {
			switch s[i+3] {
			case 'o':
				return ProtectionOpen, nil
			case 'p':
				return ProtectionProtected, nil
			case 's':
				return ProtectionServiceMode, nil
			}
		}
		return ProtectionUnknown, usberr.Newf(usberr.CodeProtocol, "malformed security mode descriptor %q", s)
	}

	// Fallback for older firmware: a protected device exposes internal
	// flash as erasable but neither writable nor readable.
	mem, err := d.internalFlashMap(ctx)
	if err != nil {
		return ProtectionUnknown, err
	}
	protected := len(mem.Segments) > 0
	for _, seg := range mem.Segments {
		if !seg.Erasable || seg.Writable || seg.Readable {
			protected = false
			break
		}
	}
	if protected {
		return ProtectionProtected, nil
	}
	return ProtectionOpen, nil
}

func (d *Dfu) internalFlashMap(ctx context.Context) (*MemoryMap, error) {
	if d.memory != nil && strings.Contains(d.memory.Name, "Internal Flash") {
		return d.memory, nil
	}
	for _, info := range d.interfaces {
		if info.Number != d.iface || info.StringIndex == 0 {
			continue
		}
		s, err := d.tr.StringDescriptor(info.StringIndex)
		if err != nil {
			continue
		}
		mem, err := ParseMemoryDescriptor(s)
		if err != nil || !strings.Contains(mem.Name, "Internal Flash") {
			continue
		}
		if err := d.SetAltSetting(ctx, info.AltSetting); err != nil {
			return nil, err
		}
		return d.memory, nil
	}
	return nil, usberr.New(usberr.CodeDfu, "no internal flash memory found")
}
