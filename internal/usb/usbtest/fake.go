// Package usbtest provides a scriptable Transport for package tests. The
// fake records every transfer, tracks how many are in flight at once, and
// delegates transfer behavior to caller-supplied handlers.
package usbtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// Op is one recorded transfer.
type Op struct {
	Setup usb.Setup
	Out   []byte // data stage of an OUT transfer, nil for IN
}

// Fake implements usb.Transport.
type Fake struct {
	Vendor  uint16
	Product uint16
	Serial  string
	Strings map[int]string // string descriptor index -> value
	Config  []byte         // raw configuration descriptor

	OpenErr   error
	SerialErr error

	// HandleIn and HandleOut script the device side. Unset handlers fail
	// the transfer.
	HandleIn  func(setup usb.Setup) ([]byte, error)
	HandleOut func(setup usb.Setup, data []byte) error

	mu          sync.Mutex
	ops         []Op
	opened      bool
	closed      bool
	claimed     map[int]int // interface number -> alt setting
	inFlight    int
	maxInFlight int
}

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.opened = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Ops returns a copy of the recorded transfers.
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Op, len(f.ops))
	copy(out, f.ops)
	return out
}

// OpsFor returns the recorded transfers with the given bRequest.
func (f *Fake) OpsFor(request uint8) []Op {
	var out []Op
	for _, op := range f.Ops() {
		if op.Setup.Request == request {
			out = append(out, op)
		}
	}
	return out
}

// MaxInFlight returns the highest number of simultaneously outstanding
// transfers observed, for single-flight assertions.
func (f *Fake) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) enter(op Op) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
}

func (f *Fake) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *Fake) ControlIn(ctx context.Context, setup usb.Setup) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.enter(Op{Setup: setup})
	defer f.leave()
	if f.HandleIn == nil {
		return nil, usberr.New(usberr.CodeUsb, "no IN handler scripted")
	}
	return f.HandleIn(setup)
}

func (f *Fake) ControlOut(ctx context.Context, setup usb.Setup, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.enter(Op{Setup: setup, Out: buf})
	defer f.leave()
	if f.HandleOut == nil {
		return usberr.New(usberr.CodeUsb, "no OUT handler scripted")
	}
	return f.HandleOut(setup, buf)
}

func (f *Fake) ClaimInterface(number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed == nil {
		f.claimed = make(map[int]int)
	}
	f.claimed[number] = 0
	return nil
}

func (f *Fake) ReleaseInterface(number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, number)
	return nil
}

func (f *Fake) SetAltSetting(number, alt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed == nil {
		f.claimed = make(map[int]int)
	}
	f.claimed[number] = alt
	return nil
}

// AltSetting returns the alt-setting selected for an interface, -1 if the
// interface is not claimed.
func (f *Fake) AltSetting(number int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	alt, ok := f.claimed[number]
	if !ok {
		return -1
	}
	return alt
}

func (f *Fake) VendorID() uint16  { return f.Vendor }
func (f *Fake) ProductID() uint16 { return f.Product }

func (f *Fake) SerialNumber() (string, error) {
	if f.SerialErr != nil {
		return "", f.SerialErr
	}
	return f.Serial, nil
}

func (f *Fake) StringDescriptor(index int) (string, error) {
	if s, ok := f.Strings[index]; ok {
		return s, nil
	}
	return "", usberr.Newf(usberr.CodeUsb, "no string descriptor %d", index)
}

func (f *Fake) ConfigDescriptor(index int) ([]byte, error) {
	if f.Config == nil {
		return nil, fmt.Errorf("no configuration descriptor scripted")
	}
	return f.Config, nil
}

var _ usb.Transport = (*Fake)(nil)
