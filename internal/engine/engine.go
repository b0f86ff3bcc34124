// Package engine multiplexes concurrent application requests over the
// single vendor control endpoint of one device.
//
// Every request is a small state machine: INIT allocates a device-side
// buffer and assigns a protocol id, SEND pushes the payload in MTU-sized
// chunks, CHECK polls for completion, RECV pulls the reply payload, RESET
// cancels. The engine serializes the USB channel: at most one control
// transfer is in flight at any time.
package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/internal/wire"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

type state int

const (
	stateClosed state = iota
	stateOpening
	stateOpen
	stateClosing
)

// Options configure an engine.
type Options struct {
	// ConcurrentRequests caps how many requests may be active on the
	// device at once. Zero leaves the cap unset until the device signals
	// BUSY.
	ConcurrentRequests int

	// Logger receives engine diagnostics. Nil discards them.
	Logger *log.Logger
}

// CloseOptions control the close sequence.
type CloseOptions struct {
	// ProcessPendingRequests lets in-flight requests run to completion
	// before the transport closes. When false, every pending request is
	// rejected immediately.
	ProcessPendingRequests bool

	// Timeout bounds the wait for pending requests; on expiry they are
	// rejected. Zero waits indefinitely.
	Timeout time.Duration
}

// Engine drives the vendor request/reply protocol over one transport.
type Engine struct {
	tr  usb.Transport
	log *log.Logger

	mu       sync.Mutex
	state    state
	busy     bool
	reqs     map[uint16]*request
	readyQ   []*request
	checkQ   []*request
	resetQ   []*request
	lastID   uint16
	active   int
	limitSet bool
	limit    int

	resetAllPending bool
	closeTimer      *time.Timer
	closedCh        chan struct{}

	serial          string
	firmwareVersion string
}

// New creates an engine over the given transport. The engine is created
// closed; call Open before submitting requests.
func New(tr usb.Transport, opts *Options) *Engine {
	e := &Engine{
		tr:       tr,
		log:      log.New(io.Discard, "", 0),
		reqs:     make(map[uint16]*request),
		closedCh: make(chan struct{}),
	}
	if opts != nil {
		if opts.Logger != nil {
			e.log = opts.Logger
		}
		if opts.ConcurrentRequests > 0 {
			e.limitSet = true
			e.limit = opts.ConcurrentRequests
		}
	}
	return e
}

// SerialNumber returns the device serial captured during Open, normalized
// to printable lowercase ASCII.
func (e *Engine) SerialNumber() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serial
}

// FirmwareVersion returns the firmware version captured during Open, empty
// when the device did not answer the sideband request.
func (e *Engine) FirmwareVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firmwareVersion
}

// Open opens the transport, identifies the device and schedules a one-shot
// reset-all that purges stale device-side requests. Any failure closes the
// transport and leaves the engine closed.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateClosed {
		e.mu.Unlock()
		return usberr.New(usberr.CodeState, "engine is already open")
	}
	e.state = stateOpening
	e.mu.Unlock()

	fail := func(err error) error {
		e.tr.Close()
		e.mu.Lock()
		e.state = stateClosed
		e.mu.Unlock()
		return err
	}

	if err := e.tr.Open(ctx); err != nil {
		e.mu.Lock()
		e.state = stateClosed
		e.mu.Unlock()
		return usberr.Wrap(usberr.CodeUsb, "opening transport", err)
	}
	serial, err := e.tr.SerialNumber()
	if err != nil {
		return fail(err)
	}
	version, err := e.readFirmwareVersion(ctx)
	if err != nil {
		// Older firmware does not answer the sideband request.
		e.log.Printf("firmware version unavailable: %v", err)
	}

	e.mu.Lock()
	e.serial = usb.NormalizeSerial(serial)
	e.firmwareVersion = version
	e.state = stateOpen
	e.resetAllPending = true
	e.processLocked()
	e.mu.Unlock()
	return nil
}

func (e *Engine) readFirmwareVersion(ctx context.Context) (string, error) {
	data, err := e.tr.ControlIn(ctx, wire.FirmwareVersionSetup())
	if err != nil {
		return "", err
	}
	if i := bytesIndexZero(data); i >= 0 {
		data = data[:i]
	}
	version := string(data)
	for _, c := range version {
		if c < 0x20 || c > 0x7E {
			return "", usberr.New(usberr.CodeProtocol, "malformed version string")
		}
	}
	return version, nil
}

func bytesIndexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// SendRequest submits an application request and blocks until the device
// produces a reply, the request times out, or ctx is cancelled.
func (e *Engine) SendRequest(ctx context.Context, reqType int, data []byte, opts *RequestOptions) (Result, error) {
	return e.submit(ctx, reqType, data, false, opts)
}

// SendTextRequest submits a text request. The reply payload is decoded as
// text, mirroring the request encoding.
func (e *Engine) SendTextRequest(ctx context.Context, reqType int, text string, opts *RequestOptions) (int32, string, error) {
	res, err := e.submit(ctx, reqType, []byte(text), true, opts)
	if err != nil {
		return 0, "", err
	}
	return res.Code, string(res.Data), nil
}

func (e *Engine) submit(ctx context.Context, reqType int, data []byte, text bool, opts *RequestOptions) (Result, error) {
	if reqType < 0 || reqType > 0xFFFF {
		return Result{}, usberr.Newf(usberr.CodeRange, "request type %d out of range", reqType)
	}
	if len(data) > 0xFFFF {
		return Result{}, usberr.Newf(usberr.CodeRange, "payload size %d out of range", len(data))
	}

	e.mu.Lock()
	if e.state != stateOpen {
		e.mu.Unlock()
		return Result{}, usberr.New(usberr.CodeState, "engine is not open")
	}
	rec := &request{
		id:      e.nextIDLocked(),
		reqType: uint16(reqType),
		data:    data,
		text:    text,
		poll:    opts.policy(),
		out:     make(chan outcome, 1),
	}
	e.reqs[rec.id] = rec
	if timeout := opts.timeout(); timeout > 0 {
		rec.timeoutTimer = time.AfterFunc(timeout, func() {
			e.expire(rec, usberr.New(usberr.CodeTimeout, "request timed out"))
		})
	}
	e.readyQ = append(e.readyQ, rec)
	e.processLocked()
	e.mu.Unlock()

	select {
	case o := <-rec.out:
		return o.result, o.err
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			e.expire(rec, usberr.Wrap(usberr.CodeTimeout, "request timed out", err))
		} else {
			e.expire(rec, usberr.Wrap(usberr.CodeState, "request cancelled", err))
		}
		o := <-rec.out
		return o.result, o.err
	}
}

// expire rejects a live record from a timer or context. If the device has
// assigned a protocol id, a best-effort RESET is queued so the device can
// drop its side of the request.
func (e *Engine) expire(rec *request, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.done {
		return
	}
	delete(e.reqs, rec.id)
	if rec.protoID != 0 {
		// Still counted active until the RESET completes.
		e.resetQ = append(e.resetQ, rec)
	}
	rec.finish(outcome{err: err})
	e.processLocked()
}

// nextIDLocked allocates the next host id, wrapping modulo 0xFFFF and
// skipping ids still held by live records.
func (e *Engine) nextIDLocked() uint16 {
	for {
		e.lastID = e.lastID%0xFFFF + 1
		if _, used := e.reqs[e.lastID]; !used {
			return e.lastID
		}
	}
}

// Close transitions the engine to Closing and blocks until the transport
// is closed. Idempotent once closed.
func (e *Engine) Close(opts CloseOptions) error {
	e.mu.Lock()
	switch e.state {
	case stateClosed:
		e.mu.Unlock()
		return nil
	case stateOpening:
		e.mu.Unlock()
		return usberr.New(usberr.CodeState, "engine is opening")
	case stateOpen:
		e.state = stateClosing
		if !opts.ProcessPendingRequests {
			e.rejectAllLocked(usberr.New(usberr.CodeState, "device is being closed"))
		} else if opts.Timeout > 0 {
			e.closeTimer = time.AfterFunc(opts.Timeout, func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				if e.state != stateClosing {
					return
				}
				e.rejectAllLocked(usberr.New(usberr.CodeTimeout, "close timed out"))
				e.processLocked()
			})
		}
		e.processLocked()
	case stateClosing:
		// Another caller started the close; wait with it.
	}
	ch := e.closedCh
	e.mu.Unlock()

	<-ch
	return nil
}

// rejectAllLocked fails every pending request and clears all queues.
func (e *Engine) rejectAllLocked(err error) {
	for id, rec := range e.reqs {
		delete(e.reqs, id)
		rec.finish(outcome{err: err})
	}
	e.readyQ = nil
	e.checkQ = nil
	e.resetQ = nil
	e.active = 0
}

// processLocked is the scheduler. It picks at most one work item, in strict
// priority order, and dispatches it on a fresh goroutine while the busy
// flag serializes the channel.
func (e *Engine) processLocked() {
	if e.busy || (e.state != stateOpen && e.state != stateClosing) {
		return
	}

	if e.resetAllPending {
		e.busy = true
		go e.opResetAll()
		return
	}
	if rec := popQueue(&e.resetQ); rec != nil {
		e.busy = true
		go e.opReset(rec)
		return
	}
	if rec := popLive(&e.checkQ); rec != nil {
		e.busy = true
		go e.opCheck(rec)
		return
	}
	if !e.limitSet || e.active < e.limit {
		if rec := popLive(&e.readyQ); rec != nil {
			e.busy = true
			go e.opInit(rec)
			return
		}
	}
	if e.state == stateClosing && e.closeCompleteLocked() {
		e.finalizeCloseLocked()
	}
}

func (e *Engine) closeCompleteLocked() bool {
	return e.active == 0 && len(e.reqs) == 0 &&
		len(e.readyQ) == 0 && len(e.checkQ) == 0 && len(e.resetQ) == 0 &&
		!e.resetAllPending
}

func (e *Engine) finalizeCloseLocked() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
	if err := e.tr.Close(); err != nil {
		// Close failures do not keep the handle alive.
		e.log.Printf("closing transport: %v", err)
	}
	e.state = stateClosed
	close(e.closedCh)
	e.log.Printf("device closed")
}

// popQueue pops the queue head. Used for the reset queue, whose records are
// already done.
func popQueue(q *[]*request) *request {
	if len(*q) == 0 {
		return nil
	}
	rec := (*q)[0]
	*q = (*q)[1:]
	return rec
}

// popLive pops the first record that has not completed, dropping done ones.
func popLive(q *[]*request) *request {
	for len(*q) > 0 {
		rec := (*q)[0]
		*q = (*q)[1:]
		if !rec.done {
			return rec
		}
	}
	return nil
}

// opDone releases the channel and re-enters the scheduler.
func (e *Engine) opDone() {
	e.mu.Lock()
	e.busy = false
	e.processLocked()
	e.mu.Unlock()
}

// opResetAll purges stale device-side requests left over from a previous
// host session.
func (e *Engine) opResetAll() {
	defer e.opDone()
	_, err := e.tr.ControlIn(context.Background(), wire.ResetSetup(0))
	e.mu.Lock()
	e.resetAllPending = false
	e.active = 0
	if err != nil {
		e.log.Printf("reset-all failed: %v", err)
	}
	e.mu.Unlock()
}

// opReset informs the device that a timed-out request was dropped.
func (e *Engine) opReset(rec *request) {
	defer e.opDone()
	_, err := e.tr.ControlIn(context.Background(), wire.ResetSetup(rec.protoID))
	e.mu.Lock()
	e.decActiveLocked()
	if err != nil {
		e.log.Printf("reset of request %d failed: %v", rec.protoID, err)
	}
	e.mu.Unlock()
}

func (e *Engine) decActiveLocked() {
	e.active--
	if e.active < 0 {
		e.log.Printf("internal: active request count went negative")
		e.active = 0
	}
}

// releaseLocked rejects an active record and frees its device slot.
func (e *Engine) releaseLocked(rec *request, err error) {
	delete(e.reqs, rec.id)
	rec.finish(outcome{err: err})
	e.decActiveLocked()
}

// resolveLocked completes an active record.
func (e *Engine) resolveLocked(rec *request, result Result) {
	delete(e.reqs, rec.id)
	rec.finish(outcome{result: result})
	e.decActiveLocked()
}

// scheduleCheckLocked arms the polling timer for the next CHECK.
func (e *Engine) scheduleCheckLocked(rec *request) {
	interval := rec.poll(rec.checkCount)
	rec.checkCount++
	rec.checkTimer = time.AfterFunc(interval, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if rec.done {
			return
		}
		e.checkQ = append(e.checkQ, rec)
		e.processLocked()
	})
}

// opInit issues INIT for a queued request and applies the reply.
func (e *Engine) opInit(rec *request) {
	defer e.opDone()
	data, err := e.tr.ControlIn(context.Background(), wire.InitSetup(rec.reqType, uint16(len(rec.data))))

	e.mu.Lock()
	if rec.done {
		// Cancelled while the transfer was in flight; no RESET is sent
		// here, and stale device state is purged by the reset-all issued
		// on the next Open.
		e.mu.Unlock()
		return
	}
	if err != nil {
		delete(e.reqs, rec.id)
		rec.finish(outcome{err: err})
		e.mu.Unlock()
		return
	}
	reply, err := wire.ParseReply(data)
	if err != nil {
		delete(e.reqs, rec.id)
		rec.finish(outcome{err: err})
		e.mu.Unlock()
		return
	}

	switch reply.Status {
	case wire.StatusOK:
		if !reply.HasID {
			delete(e.reqs, rec.id)
			rec.finish(outcome{err: usberr.New(usberr.CodeProtocol, "INIT reply carries no request id")})
			e.mu.Unlock()
			return
		}
		rec.protoID = reply.ID
		e.active++
		if len(rec.data) == 0 {
			rec.dataSent = true
			e.scheduleCheckLocked(rec)
			e.mu.Unlock()
			return
		}
		// Buffer is ready; stream the payload now.
		e.mu.Unlock()
		e.sendAllData(rec)
		return

	case wire.StatusPending:
		// The device is still allocating the request buffer.
		if !reply.HasID || len(rec.data) == 0 {
			delete(e.reqs, rec.id)
			rec.finish(outcome{err: usberr.New(usberr.CodeProtocol, "unexpected PENDING reply to INIT")})
			e.mu.Unlock()
			return
		}
		rec.protoID = reply.ID
		e.active++
		e.scheduleCheckLocked(rec)
		e.mu.Unlock()
		return

	case wire.StatusBusy:
		// The device is at its concurrency ceiling; learn it and retry
		// the request once a slot frees.
		e.limitSet = true
		e.limit = e.active
		e.readyQ = append([]*request{rec}, e.readyQ...)
		e.mu.Unlock()
		return

	case wire.StatusNoMemory:
		delete(e.reqs, rec.id)
		rec.finish(outcome{err: usberr.New(usberr.CodeMemory, "device is out of memory")})
		e.mu.Unlock()
		return

	default:
		delete(e.reqs, rec.id)
		rec.finish(outcome{err: usberr.Newf(usberr.CodeProtocol, "unexpected INIT status %d", reply.Status)})
		e.mu.Unlock()
		return
	}
}

// opCheck issues CHECK for a polled request and applies the reply.
func (e *Engine) opCheck(rec *request) {
	defer e.opDone()
	data, err := e.tr.ControlIn(context.Background(), wire.CheckSetup(rec.protoID))

	e.mu.Lock()
	if rec.done {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.releaseLocked(rec, err)
		e.mu.Unlock()
		return
	}
	reply, err := wire.ParseReply(data)
	if err != nil {
		e.releaseLocked(rec, err)
		e.mu.Unlock()
		return
	}

	switch reply.Status {
	case wire.StatusOK:
		if !rec.dataSent {
			// Buffer allocation finished; stream the payload.
			e.mu.Unlock()
			e.sendAllData(rec)
			return
		}
		var result int32
		if reply.HasResult {
			result = reply.Result
		}
		if !reply.HasSize || reply.Size == 0 {
			e.resolveLocked(rec, Result{Code: result})
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.recvAllData(rec, result, reply.Size)
		return

	case wire.StatusPending:
		e.scheduleCheckLocked(rec)
		e.mu.Unlock()
		return

	case wire.StatusNoMemory:
		e.releaseLocked(rec, usberr.New(usberr.CodeMemory, "device is out of memory"))
		e.mu.Unlock()
		return

	case wire.StatusNotFound:
		e.releaseLocked(rec, usberr.New(usberr.CodeNotFound, "request was cancelled by the device"))
		e.mu.Unlock()
		return

	default:
		e.releaseLocked(rec, usberr.Newf(usberr.CodeProtocol, "unexpected CHECK status %d", reply.Status))
		e.mu.Unlock()
		return
	}
}

// sendAllData streams the request payload in MTU-sized SEND chunks, then
// schedules the first post-send CHECK. Cancellation is observed between
// chunks.
func (e *Engine) sendAllData(rec *request) {
	offset := 0
	for offset < len(rec.data) {
		e.mu.Lock()
		if rec.done {
			e.mu.Unlock()
			return
		}
		protoID := rec.protoID
		e.mu.Unlock()

		end := offset + usb.MaxControlTransferDataSize
		if end > len(rec.data) {
			end = len(rec.data)
		}
		chunk := rec.data[offset:end]
		err := e.tr.ControlOut(context.Background(), wire.SendSetup(protoID, uint16(len(chunk))), chunk)
		if err != nil {
			e.mu.Lock()
			if !rec.done {
				e.releaseLocked(rec, err)
			}
			e.mu.Unlock()
			return
		}
		offset = end
	}

	e.mu.Lock()
	if !rec.done {
		rec.dataSent = true
		rec.checkCount = 0
		e.scheduleCheckLocked(rec)
	}
	e.mu.Unlock()
}

// recvAllData pulls the reply payload in MTU-sized RECV chunks and
// completes the record. The device must return exactly the requested chunk
// length.
func (e *Engine) recvAllData(rec *request, result int32, size uint32) {
	buf := make([]byte, 0, size)
	for uint32(len(buf)) < size {
		e.mu.Lock()
		if rec.done {
			e.mu.Unlock()
			return
		}
		protoID := rec.protoID
		e.mu.Unlock()

		chunkLen := size - uint32(len(buf))
		if chunkLen > usb.MaxControlTransferDataSize {
			chunkLen = usb.MaxControlTransferDataSize
		}
		chunk, err := e.tr.ControlIn(context.Background(), wire.RecvSetup(protoID, uint16(chunkLen)))
		if err == nil && uint32(len(chunk)) != chunkLen {
			err = usberr.Newf(usberr.CodeProtocol, "short RECV chunk: want %d bytes, got %d", chunkLen, len(chunk))
		}
		if err != nil {
			e.mu.Lock()
			if !rec.done {
				e.releaseLocked(rec, err)
			}
			e.mu.Unlock()
			return
		}
		buf = append(buf, chunk...)
	}

	e.mu.Lock()
	if !rec.done {
		e.resolveLocked(rec, Result{Code: result, Data: buf})
	}
	e.mu.Unlock()
}
