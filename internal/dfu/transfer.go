package dfu

import (
	"context"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// Progress event names emitted by the transfer drivers.
const (
	EventStartErase       = "start-erase"
	EventErased           = "erased"
	EventStartDownload    = "start-download"
	EventDownloaded       = "downloaded"
	EventCompleteDownload = "complete-download"
	EventFailedDownload   = "failed-download"
	EventStartUpload      = "start-upload"
	EventUploaded         = "uploaded"
	EventCompleteUpload   = "complete-upload"
)

// ProgressEvent is a pure data record describing transfer progress. Total
// is the overall byte count of the phase. Bytes is the increment of the
// current step for erased/downloaded/uploaded, zero for the start events,
// and the bytes transferred so far for the complete and failed events.
type ProgressEvent struct {
	Event string
	Bytes int
	Total int
}

// ProgressFunc receives transfer progress. May be nil.
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) emit(event string, bytes, total int) {
	if f != nil {
		f(ProgressEvent{Event: event, Bytes: bytes, Total: total})
	}
}

// Erase erases every sector overlapping [addr, addr+length). Sectors in
// non-erasable segments are skipped, with the skipped bytes still reported
// so progress sums to the total.
func (d *Dfu) Erase(ctx context.Context, addr, length uint32, progress ProgressFunc) error {
	if length == 0 {
		return nil
	}
	mem := d.memory
	if mem == nil {
		return usberr.New(usberr.CodeDfu, "selected alt-setting has no memory map")
	}
	first, err := mem.SectorStart(addr)
	if err != nil {
		return err
	}
	last, err := mem.SectorEnd(addr + length - 1)
	if err != nil {
		return err
	}
	total := int(last - first)
	progress.emit(EventStartErase, 0, total)

	cur := first
	for cur < last {
		seg := mem.SegmentAt(cur)
		if seg == nil {
			return usberr.Newf(usberr.CodeDfu, "address 0x%08x is not mapped", cur)
		}
		if !seg.Erasable {
			// Skip to the end of the segment, still accounting the bytes.
			skip := seg.End - cur
			if cur+skip > last {
				skip = last - cur
			}
			cur += skip
			progress.emit(EventErased, int(skip), total)
			continue
		}
		if err := d.dfuseCommand(ctx, CmdEraseSector, cur); err != nil {
			return err
		}
		cur += seg.SectorSize
		progress.emit(EventErased, int(seg.SectorSize), total)
	}
	return nil
}

// DownloadOptions describe one firmware download.
type DownloadOptions struct {
	Addr     uint32
	Data     []byte
	NoErase  bool
	Leave    bool
	Progress ProgressFunc
}

// Download writes data to device memory starting at Addr: optional erase,
// then SET_ADDRESS + DNLOAD + status poll per chunk of at most the
// transfer size. With Leave set the device manifests afterwards.
func (d *Dfu) Download(ctx context.Context, opts DownloadOptions) error {
	if len(opts.Data) == 0 {
		return usberr.New(usberr.CodeRange, "no data to download")
	}
	mem := d.memory
	if mem == nil {
		return usberr.New(usberr.CodeDfu, "selected alt-setting has no memory map")
	}
	if err := checkAttr(mem, opts.Addr, uint32(len(opts.Data)), func(s *Segment) bool { return s.Writable }, "writable"); err != nil {
		return err
	}

	if !opts.NoErase {
		if err := d.Erase(ctx, opts.Addr, uint32(len(opts.Data)), opts.Progress); err != nil {
			return err
		}
	}

	total := len(opts.Data)
	opts.Progress.emit(EventStartDownload, 0, total)
	offset := 0
	for offset < total {
		end := offset + d.transferSize
		if end > total {
			end = total
		}
		chunk := opts.Data[offset:end]
		addr := opts.Addr + uint32(offset)

		if err := d.dfuseCommand(ctx, CmdSetAddressPointer, addr); err != nil {
			opts.Progress.emit(EventFailedDownload, offset, total)
			return err
		}
		if err := d.dnload(ctx, 2, chunk); err != nil {
			opts.Progress.emit(EventFailedDownload, offset, total)
			return err
		}
		status, err := d.PollUntil(ctx, func(s State) bool { return s == DfuDnloadIdle })
		if err != nil {
			opts.Progress.emit(EventFailedDownload, offset, total)
			return err
		}
		if status.Status != StatusOK {
			opts.Progress.emit(EventFailedDownload, offset, total)
			return usberr.Newf(usberr.CodeDfu, "download failed with status 0x%02x in state %s",
				uint8(status.Status), status.State)
		}
		offset = end
		opts.Progress.emit(EventDownloaded, len(chunk), total)
	}
	opts.Progress.emit(EventCompleteDownload, total, total)

	if opts.Leave {
		return d.Leave(ctx)
	}
	return nil
}

// UploadOptions describe one memory readback.
type UploadOptions struct {
	Addr     uint32
	MaxSize  int
	Progress ProgressFunc
}

// Upload reads back device memory from Addr, up to MaxSize bytes or until
// the device returns a short block. Block numbers start at 2 per the DfuSe
// address encoding.
func (d *Dfu) Upload(ctx context.Context, opts UploadOptions) ([]byte, error) {
	if opts.MaxSize <= 0 {
		return nil, usberr.New(usberr.CodeRange, "upload size must be positive")
	}
	mem := d.memory
	if mem == nil {
		return nil, usberr.New(usberr.CodeDfu, "selected alt-setting has no memory map")
	}
	if err := checkAttr(mem, opts.Addr, uint32(opts.MaxSize), func(s *Segment) bool { return s.Readable }, "readable"); err != nil {
		return nil, err
	}

	if err := d.goIntoIdleState(ctx, idleOptions{}); err != nil {
		return nil, err
	}
	if err := d.dfuseCommand(ctx, CmdSetAddressPointer, opts.Addr); err != nil {
		return nil, err
	}
	if err := d.AbortToIdle(ctx); err != nil {
		return nil, err
	}

	opts.Progress.emit(EventStartUpload, 0, opts.MaxSize)
	buf := make([]byte, 0, opts.MaxSize)
	const firstBlock = 2
	block := uint16(firstBlock)
	for len(buf) < opts.MaxSize {
		chunkLen := opts.MaxSize - len(buf)
		if chunkLen > d.transferSize {
			chunkLen = d.transferSize
		}
		chunk, err := d.upload(ctx, block, chunkLen)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		opts.Progress.emit(EventUploaded, len(chunk), opts.MaxSize)
		if len(chunk) < chunkLen {
			// Short block: end of data.
			break
		}
		block++
	}
	if len(buf) >= opts.MaxSize {
		if err := d.AbortToIdle(ctx); err != nil {
			return nil, err
		}
	}
	opts.Progress.emit(EventCompleteUpload, len(buf), opts.MaxSize)
	return buf, nil
}

// checkAttr verifies that every segment covering [addr, addr+length) has
// the required attribute, before any command reaches the device.
func checkAttr(mem *MemoryMap, addr, length uint32, ok func(*Segment) bool, attr string) error {
	cur := addr
	end := addr + length
	for cur < end {
		seg := mem.SegmentAt(cur)
		if seg == nil {
			return usberr.Newf(usberr.CodeDfu, "address 0x%08x is not mapped", cur)
		}
		if !ok(seg) {
			return usberr.Newf(usberr.CodeProtection, "memory at 0x%08x is not %s", cur, attr)
		}
		cur = seg.End
	}
	return nil
}
