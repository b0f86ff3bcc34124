package dfu

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// DfuSe command opcodes, sent as the payload of DFU_DNLOAD with wValue=0.
const (
	CmdGetCommand                uint8 = 0x00
	CmdSetAddressPointer         uint8 = 0x21
	CmdEraseSector               uint8 = 0x41
	CmdReadUnprotect             uint8 = 0x92
	CmdEnterSafeMode             uint8 = 0xFA // vendor extension
	CmdClearSecurityModeOverride uint8 = 0xFB // vendor extension
)

const dfuseCommandAttempts = 5

// dfuseStallRetryDelay is how long the device gets to recover from a
// STALLed command before the retry. Shortened in tests.
var dfuseStallRetryDelay = time.Second

// dfuseCommand issues one DfuSe command with its 32-bit parameter and waits
// for the device to leave dfuDNBUSY with an OK status. A STALL on the
// DNLOAD transfer is retried after a delay; any other transport error is
// fatal.
func (d *Dfu) dfuseCommand(ctx context.Context, cmd uint8, param uint32) error {
	payload := make([]byte, 5)
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:], param)

	var err error
	for attempt := 0; attempt < dfuseCommandAttempts; attempt++ {
		err = d.dnload(ctx, 0, payload)
		if err == nil {
			break
		}
		if !usberr.IsStall(err) {
			return err
		}
		d.log.Printf("dfuse command 0x%02x stalled, retrying", cmd)
		if serr := sleep(ctx, dfuseStallRetryDelay); serr != nil {
			return serr
		}
	}
	if err != nil {
		return usberr.Wrap(usberr.CodeDfu, "dfuse command not accepted", err)
	}

	status, err := d.PollUntil(ctx, func(s State) bool { return s != DfuDnBusy })
	if err != nil {
		return err
	}
	if status.Status != StatusOK {
		return usberr.Newf(usberr.CodeDfu, "dfuse command 0x%02x failed with status 0x%02x", cmd, uint8(status.Status))
	}
	return nil
}

// getCommands reads and caches the GET_COMMAND list via DFU_UPLOAD with
// wValue=0.
func (d *Dfu) getCommands(ctx context.Context) ([]byte, error) {
	if d.commands != nil {
		return d.commands, nil
	}
	if err := d.goIntoIdleState(ctx, idleOptions{dnloadIdle: true, uploadIdle: true}); err != nil {
		return nil, err
	}
	data, err := d.upload(ctx, 0, d.transferSize)
	if err != nil {
		return nil, err
	}
	if err := d.AbortToIdle(ctx); err != nil {
		return nil, err
	}
	d.commands = data
	return d.commands, nil
}

// checkCommandSupported probes the GET_COMMAND list for one opcode. The
// list is cached after the first probe.
func (d *Dfu) checkCommandSupported(ctx context.Context, cmd uint8) error {
	cmds, err := d.getCommands(ctx)
	if err != nil {
		return err
	}
	if bytes.IndexByte(cmds, cmd) < 0 {
		return usberr.Newf(usberr.CodeUnsupportedCommand, "dfuse command 0x%02x is not supported by the device", cmd)
	}
	return nil
}

// EnterSafeMode reboots the device into safe mode via the vendor DfuSe
// extension.
func (d *Dfu) EnterSafeMode(ctx context.Context) error {
	if err := d.checkCommandSupported(ctx, CmdEnterSafeMode); err != nil {
		return err
	}
	if err := d.goIntoIdleState(ctx, idleOptions{dnloadIdle: true}); err != nil {
		return err
	}
	return d.dfuseCommand(ctx, CmdEnterSafeMode, 0)
}

// ClearSecurityModeOverride clears a sticky service-mode override via the
// vendor DfuSe extension.
func (d *Dfu) ClearSecurityModeOverride(ctx context.Context) error {
	if err := d.checkCommandSupported(ctx, CmdClearSecurityModeOverride); err != nil {
		return err
	}
	if err := d.goIntoIdleState(ctx, idleOptions{dnloadIdle: true}); err != nil {
		return err
	}
	return d.dfuseCommand(ctx, CmdClearSecurityModeOverride, 0)
}

// ReadUnprotect lifts read protection. The device mass-erases and resets.
func (d *Dfu) ReadUnprotect(ctx context.Context) error {
	if err := d.goIntoIdleState(ctx, idleOptions{dnloadIdle: true}); err != nil {
		return err
	}
	return d.dfuseCommand(ctx, CmdReadUnprotect, 0)
}
