package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/internal/usb/usbtest"
	"github.com/particle-iot/particle-usb-sub000/internal/wire"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// appConfigDescriptor advertises a vendor-specific interface only.
func appConfigDescriptor() []byte {
	return []byte{
		9, 0x02, 18, 0, 1, 1, 0, 0xC0, 50,
		9, 0x04, 0, 0, 0, 0xFF, 0x00, 0x00, 0,
	}
}

// dfuConfigDescriptor advertises a DFU interface with its functional
// descriptor.
func dfuConfigDescriptor() []byte {
	return []byte{
		9, 0x02, 27, 0, 1, 1, 0, 0xC0, 50,
		9, 0x04, 0, 0, 0, 0xFE, 0x01, 0x02, 4,
		9, 0x21, 0x0B, 0xFF, 0x00, 0x00, 0x04, 0x1A, 0x01,
	}
}

func appFake(result int32) *usbtest.Fake {
	f := &usbtest.Fake{
		Serial: "E00FCE68TESTDEVICE",
		Config: appConfigDescriptor(),
	}
	f.HandleIn = func(s usb.Setup) ([]byte, error) {
		switch s.Request {
		case wire.FirmwareVersionRequest:
			return []byte("5.0.1\x00"), nil
		case wire.ServiceReset:
			return (&wire.Reply{Status: wire.StatusOK}).Marshal(), nil
		case wire.ServiceInit:
			return (&wire.Reply{Status: wire.StatusOK, HasID: true, ID: 1}).Marshal(), nil
		case wire.ServiceCheck:
			return (&wire.Reply{Status: wire.StatusOK, HasResult: true, Result: result}).Marshal(), nil
		}
		return nil, errors.New("unexpected request")
	}
	return f
}

func TestOpenSelectsEngineMode(t *testing.T) {
	f := appFake(0)
	d := New(f, nil)
	require.NoError(t, d.Open(context.Background()))
	defer d.Close(nil)

	assert.False(t, d.IsInDFUMode())
	assert.Equal(t, "e00fce68testdevice", d.SerialNumber())
	assert.Equal(t, "5.0.1", d.FirmwareVersion())

	res, err := d.SendRequest(context.Background(), 7, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.Code)

	// DFU operations are invalid in normal mode.
	err = d.Reset(context.Background())
	assert.Equal(t, usberr.CodeState, usberr.CodeOf(err))
}

func TestNegativeResultIsRequestError(t *testing.T) {
	f := appFake(-210)
	d := New(f, nil)
	require.NoError(t, d.Open(context.Background()))
	defer d.Close(nil)

	res, err := d.SendRequest(context.Background(), 7, nil, nil)
	require.Error(t, err)
	assert.Equal(t, usberr.CodeRequest, usberr.CodeOf(err))
	assert.Equal(t, int32(-210), res.Code)

	var e *usberr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, int32(-210), e.Result)
}

func TestOpenSelectsDFUMode(t *testing.T) {
	var mu sync.Mutex
	state := byte(2) // dfuIDLE
	left := false

	f := &usbtest.Fake{
		Serial:  "DFUDEV",
		Config:  dfuConfigDescriptor(),
		Strings: map[int]string{4: "@Internal Flash/0x08000000/03*016Ka,01*016Kg,01*064Kg,07*128Kg"},
	}
	f.HandleIn = func(s usb.Setup) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		if s.RequestType == 0xA1 && s.Request == 3 { // DFU_GETSTATUS
			return []byte{0, 0, 0, 0, state, 0}, nil
		}
		return nil, errors.New("unexpected IN transfer")
	}
	f.HandleOut = func(s usb.Setup, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if s.RequestType == 0x21 && s.Request == 1 && len(data) == 0 { // zero-length DFU_DNLOAD
			state = 7 // dfuMANIFEST
			left = true
			return nil
		}
		return errors.New("unexpected OUT transfer")
	}

	d := New(f, nil)
	require.NoError(t, d.Open(context.Background()))

	assert.True(t, d.IsInDFUMode())
	assert.Equal(t, "dfudev", d.SerialNumber())

	// Vendor requests are invalid in DFU mode.
	_, err := d.SendRequest(context.Background(), 1, nil, nil)
	assert.Equal(t, usberr.CodeState, usberr.CodeOf(err))

	// Reset forwards to DFU leave.
	require.NoError(t, d.Reset(context.Background()))
	assert.True(t, left)

	require.NoError(t, d.Close(nil))
	assert.True(t, f.Closed())
}

func TestCloseIsIdempotentAndRejectsLaterRequests(t *testing.T) {
	f := appFake(0)
	d := New(f, nil)
	require.NoError(t, d.Open(context.Background()))

	require.NoError(t, d.Close(nil))
	require.NoError(t, d.Close(nil))
	assert.True(t, f.Closed())

	// A closed handle rejects operations with a state error.
	_, err := d.SendRequest(context.Background(), 1, nil, nil)
	assert.Equal(t, usberr.CodeState, usberr.CodeOf(err))
}

func TestOpenTwice(t *testing.T) {
	f := appFake(0)
	d := New(f, nil)
	require.NoError(t, d.Open(context.Background()))
	defer d.Close(nil)

	err := d.Open(context.Background())
	assert.Equal(t, usberr.CodeState, usberr.CodeOf(err))
}
