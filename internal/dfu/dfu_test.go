package dfu

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/internal/usb/usbtest"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// testConfigDescriptor advertises one DFU interface (iInterface 4) with a
// DFU_FUNCTIONAL transfer size of 64 bytes.
func testConfigDescriptor() []byte {
	desc := []byte{
		9, 0x02, 27, 0, 1, 1, 0, 0xC0, 50,
		9, 0x04, 0, 0, 0, 0xFE, 0x01, 0x02, 4,
		9, 0x21, 0x0B, 0xFF, 0x00, 0x40, 0x00, 0x1A, 0x01,
	}
	return desc
}

// dfuSim scripts a DfuSe device behind a usbtest.Fake.
type dfuSim struct {
	mu    sync.Mutex
	state State
	depst DeviceStatus

	gen2        bool // report dfuDNLOAD_IDLE instead of dfuMANIFEST after leave
	stallsLeft  int  // STALL the next N command DNLOADs
	commandList []byte

	addr      uint32
	eraseCmds []uint32
	written   map[uint32][]byte
	memory    []byte // upload content, served in order from uploadPos
	uploadPos int

	left bool
}

func newSim() *dfuSim {
	return &dfuSim{
		state:       DfuIdle,
		commandList: []byte{CmdGetCommand, CmdSetAddressPointer, CmdEraseSector},
		written:     make(map[uint32][]byte),
	}
}

func (s *dfuSim) fake() *usbtest.Fake {
	f := &usbtest.Fake{
		Serial:  "dfu-dev",
		Config:  testConfigDescriptor(),
		Strings: map[int]string{4: internalFlashDescriptor},
	}
	f.HandleIn = s.handleIn
	f.HandleOut = s.handleOut
	return f
}

func (s *dfuSim) handleIn(setup usb.Setup) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch setup.Request {
	case reqGetStatus:
		return []byte{byte(s.depst), 0, 0, 0, byte(s.state), 0}, nil
	case reqUpload:
		if setup.Value == 0 {
			s.state = DfuUploadIdle
			return s.commandList, nil
		}
		s.state = DfuUploadIdle
		n := int(setup.Length)
		if remaining := len(s.memory) - s.uploadPos; n > remaining {
			n = remaining
		}
		chunk := s.memory[s.uploadPos : s.uploadPos+n]
		s.uploadPos += n
		return chunk, nil
	}
	return nil, errors.New("unexpected IN transfer")
}

func (s *dfuSim) handleOut(setup usb.Setup, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch setup.Request {
	case reqClrStatus:
		s.state = DfuIdle
		s.depst = StatusOK
		return nil
	case reqAbort:
		s.state = DfuIdle
		return nil
	case reqDnload:
		if setup.Value == 0 {
			// DfuSe command.
			if s.stallsLeft > 0 {
				s.stallsLeft--
				return usberr.New(usberr.CodeUsbStall, "stalled")
			}
			if len(data) != 5 {
				return errors.New("bad dfuse command payload")
			}
			param := binary.LittleEndian.Uint32(data[1:])
			switch data[0] {
			case CmdSetAddressPointer:
				s.addr = param
			case CmdEraseSector:
				s.eraseCmds = append(s.eraseCmds, param)
			}
			s.state = DfuDnloadIdle
			return nil
		}
		if len(data) == 0 {
			// Leave: manifest the firmware.
			s.left = true
			if s.gen2 {
				s.state = DfuDnloadIdle
			} else {
				s.state = DfuManifest
			}
			return nil
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		s.written[s.addr] = buf
		s.state = DfuDnloadIdle
		return nil
	}
	return errors.New("unexpected OUT transfer")
}

func openDfu(t *testing.T, sim *dfuSim) (*Dfu, *usbtest.Fake) {
	t.Helper()
	f := sim.fake()
	d, err := Open(context.Background(), f, nil)
	require.NoError(t, err)
	return d, f
}

func TestOpenReadsDescriptors(t *testing.T) {
	sim := newSim()
	d, f := openDfu(t, sim)

	assert.Equal(t, 64, d.TransferSize())
	require.NotNil(t, d.Memory())
	assert.Equal(t, "Internal Flash", d.Memory().Name)
	assert.Equal(t, 0, f.AltSetting(0))

	require.NoError(t, d.Close())
	assert.Equal(t, -1, f.AltSetting(0))
}

func TestLeave(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	require.NoError(t, d.Leave(context.Background()))
	assert.True(t, sim.left)
}

// Gen2 devices report dfuDNLOAD_IDLE where the spec calls for dfuMANIFEST.
func TestLeaveGen2Quirk(t *testing.T) {
	sim := newSim()
	sim.gen2 = true
	d, _ := openDfu(t, sim)

	require.NoError(t, d.Leave(context.Background()))
	assert.True(t, sim.left)
}

func TestLeaveRecoversFromErrorState(t *testing.T) {
	sim := newSim()
	sim.state = DfuError
	sim.depst = ErrStalledPkt
	d, _ := openDfu(t, sim)

	require.NoError(t, d.Leave(context.Background()))
}

func TestAbortToIdle(t *testing.T) {
	sim := newSim()
	sim.state = DfuUploadIdle
	d, _ := openDfu(t, sim)

	require.NoError(t, d.AbortToIdle(context.Background()))
	assert.Equal(t, DfuIdle, sim.state)
}

func TestDfuseCommandRetriesOnStall(t *testing.T) {
	restore := dfuseStallRetryDelay
	dfuseStallRetryDelay = time.Millisecond
	defer func() { dfuseStallRetryDelay = restore }()

	sim := newSim()
	sim.stallsLeft = 2
	d, _ := openDfu(t, sim)

	require.NoError(t, d.dfuseCommand(context.Background(), CmdSetAddressPointer, 0x08000000))
	assert.Equal(t, uint32(0x08000000), sim.addr)
	assert.Equal(t, 0, sim.stallsLeft)
}

func TestDfuseCommandGivesUpAfterRepeatedStalls(t *testing.T) {
	restore := dfuseStallRetryDelay
	dfuseStallRetryDelay = time.Millisecond
	defer func() { dfuseStallRetryDelay = restore }()

	sim := newSim()
	sim.stallsLeft = 10
	d, _ := openDfu(t, sim)

	err := d.dfuseCommand(context.Background(), CmdSetAddressPointer, 0x08000000)
	require.Error(t, err)
	assert.Equal(t, usberr.CodeDfu, usberr.CodeOf(err))
	assert.Equal(t, 5, 10-sim.stallsLeft, "exactly five attempts")
}

func TestUnsupportedDfuseCommand(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	err := d.EnterSafeMode(context.Background())
	require.Error(t, err)
	assert.Equal(t, usberr.CodeUnsupportedCommand, usberr.CodeOf(err))
}

func TestEnterSafeMode(t *testing.T) {
	sim := newSim()
	sim.commandList = append(sim.commandList, CmdEnterSafeMode)
	d, _ := openDfu(t, sim)

	require.NoError(t, d.EnterSafeMode(context.Background()))
}

func TestClearSecurityModeOverride(t *testing.T) {
	sim := newSim()
	sim.commandList = append(sim.commandList, CmdClearSecurityModeOverride)
	d, _ := openDfu(t, sim)

	require.NoError(t, d.ClearSecurityModeOverride(context.Background()))
}

func TestProtectionStateFromDescriptor(t *testing.T) {
	for mode, want := range map[string]ProtectionState{
		"sm=o": ProtectionOpen,
		"sm=p": ProtectionProtected,
		"sm=s": ProtectionServiceMode,
	} {
		sim := newSim()
		f := sim.fake()
		f.Strings[securityModeDescriptorIndex] = mode
		d, err := Open(context.Background(), f, nil)
		require.NoError(t, err)

		state, err := d.GetProtectionState(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, state)
	}
}

// Older firmware has no security-mode descriptor; protection is inferred
// from the internal flash attributes.
func TestProtectionStateFallback(t *testing.T) {
	sim := newSim()
	f := sim.fake()
	// All segments erasable but neither readable nor writable ('b').
	f.Strings[4] = "@Internal Flash/0x08000000/04*016Kb"
	d, err := Open(context.Background(), f, nil)
	require.NoError(t, err)

	state, err := d.GetProtectionState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProtectionProtected, state)

	sim = newSim()
	d, _ = openDfu(t, sim)
	state, err = d.GetProtectionState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProtectionOpen, state)
}
