package dfu

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

func collectProgress(events *[]ProgressEvent) ProgressFunc {
	return func(e ProgressEvent) {
		*events = append(*events, e)
	}
}

func sumBytes(events []ProgressEvent, name string) int {
	total := 0
	for _, e := range events {
		if e.Event == name {
			total += e.Bytes
		}
	}
	return total
}

// A sector-aligned erase over an erasable segment issues exactly one ERASE
// per sector, at ascending sector bases.
func TestEraseIssuesSectorCommands(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	// Segment 2 of the internal flash map: 16K sectors from 0x0800C000.
	const start, sectorSize = 0x0800C000, 16384
	require.NoError(t, d.Erase(context.Background(), start, 1*sectorSize, nil))
	assert.Equal(t, []uint32{start}, sim.eraseCmds)

	sim.eraseCmds = nil
	// The single 64K sector of segment 3.
	require.NoError(t, d.Erase(context.Background(), 0x08010000, 65536, nil))
	assert.Equal(t, []uint32{0x08010000}, sim.eraseCmds)
}

func TestEraseUnalignedRoundsToSectors(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	var events []ProgressEvent
	// Crosses two 128K sectors of segment 4.
	err := d.Erase(context.Background(), 0x08020004, 131072, collectProgress(&events))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x08020000, 0x08040000}, sim.eraseCmds)
	assert.Equal(t, 2*131072, sumBytes(events, EventErased))
}

// Non-erasable segments are skipped but still accounted in progress.
func TestEraseSkipsNonErasableSegments(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	var events []ProgressEvent
	err := d.Erase(context.Background(), 0x08000000, 0x10000, collectProgress(&events))
	require.NoError(t, err)

	// Only the 16K sector at 0x0800C000 is erasable in that range.
	assert.Equal(t, []uint32{0x0800C000}, sim.eraseCmds)
	assert.Equal(t, 0x10000, sumBytes(events, EventErased))
	require.NotEmpty(t, events)
	assert.Equal(t, EventStartErase, events[0].Event)
	assert.Equal(t, 0x10000, events[0].Total)
}

// Download into a non-writable segment fails before anything reaches the
// device.
func TestDownloadProtectedSegment(t *testing.T) {
	sim := newSim()
	d, f := openDfu(t, sim)
	before := len(f.Ops())

	err := d.Download(context.Background(), DownloadOptions{
		Addr: 0x08000000, // segment 1 is read-only
		Data: make([]byte, 64),
	})
	require.Error(t, err)
	assert.Equal(t, usberr.CodeProtection, usberr.CodeOf(err))
	assert.Len(t, f.Ops(), before, "no transfer may be issued")
	assert.Empty(t, sim.written)
}

func TestDownloadChunksAndErases(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	var events []ProgressEvent
	err := d.Download(context.Background(), DownloadOptions{
		Addr:     0x0800C000,
		Data:     data,
		Progress: collectProgress(&events),
	})
	require.NoError(t, err)

	// One 16K sector erased, then two chunks of the 64-byte transfer size.
	assert.Equal(t, []uint32{0x0800C000}, sim.eraseCmds)
	assert.Equal(t, data[:64], sim.written[0x0800C000])
	assert.Equal(t, data[64:], sim.written[0x0800C000+64])

	assert.Equal(t, 100, sumBytes(events, EventDownloaded))
	last := events[len(events)-1]
	assert.Equal(t, EventCompleteDownload, last.Event)
	assert.False(t, sim.left)
}

func TestDownloadNoEraseLeave(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)

	err := d.Download(context.Background(), DownloadOptions{
		Addr:    0x0800C000,
		Data:    make([]byte, 16),
		NoErase: true,
		Leave:   true,
	})
	require.NoError(t, err)
	assert.Empty(t, sim.eraseCmds)
	assert.True(t, sim.left)
}

func TestDownloadFailureReportsEvent(t *testing.T) {
	sim := newSim()
	d, _ := openDfu(t, sim)
	sim.mu.Lock()
	sim.depst = ErrWrite
	sim.mu.Unlock()

	var events []ProgressEvent
	err := d.Download(context.Background(), DownloadOptions{
		Addr:     0x0800C000,
		Data:     make([]byte, 16),
		NoErase:  true,
		Progress: collectProgress(&events),
	})
	require.Error(t, err)
	assert.Equal(t, usberr.CodeDfu, usberr.CodeOf(err))

	var failed bool
	for _, e := range events {
		if e.Event == EventFailedDownload {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestUploadUntilShortBlock(t *testing.T) {
	sim := newSim()
	sim.memory = bytes.Repeat([]byte{0xA5}, 100) // less than maxSize
	d, _ := openDfu(t, sim)

	var events []ProgressEvent
	data, err := d.Upload(context.Background(), UploadOptions{
		Addr:     0x08000000,
		MaxSize:  1024,
		Progress: collectProgress(&events),
	})
	require.NoError(t, err)
	assert.Equal(t, sim.memory, data)
	assert.Equal(t, uint32(0x08000000), sim.addr)
	assert.Equal(t, EventCompleteUpload, events[len(events)-1].Event)
}

func TestUploadBounded(t *testing.T) {
	sim := newSim()
	sim.memory = bytes.Repeat([]byte{0x5A}, 1024)
	d, _ := openDfu(t, sim)

	data, err := d.Upload(context.Background(), UploadOptions{
		Addr:    0x08000000,
		MaxSize: 128, // two 64-byte blocks
	})
	require.NoError(t, err)
	assert.Len(t, data, 128)
	// The bound was reached; the driver aborts back to dfuIDLE.
	assert.Equal(t, DfuIdle, sim.state)
}

func TestUploadProtectedSegment(t *testing.T) {
	sim := newSim()
	f := sim.fake()
	f.Strings[4] = "@Internal Flash/0x08000000/04*016Kb" // not readable
	d, err := Open(context.Background(), f, nil)
	require.NoError(t, err)

	_, err = d.Upload(context.Background(), UploadOptions{Addr: 0x08000000, MaxSize: 64})
	require.Error(t, err)
	assert.Equal(t, usberr.CodeProtection, usberr.CodeOf(err))
}
