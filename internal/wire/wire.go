// Package wire builds the setup packets of the vendor service protocol and
// encodes/decodes its reply frames.
package wire

import (
	"encoding/binary"

	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// Service requests carried in bRequest of a vendor control transfer.
const (
	ServiceInit  = 1
	ServiceCheck = 2
	ServiceSend  = 3
	ServiceRecv  = 4
	ServiceReset = 5

	// FirmwareVersionRequest is the sideband request ("P") answered with a
	// NUL-terminated version string.
	FirmwareVersionRequest = 0x50
	firmwareVersionIndex   = 30
)

const (
	requestTypeIn  = 0xC0 // vendor request, device to host
	requestTypeOut = 0x40 // vendor request, host to device

	// replyLength is the wLength used for transfers whose data stage is a
	// service-reply frame.
	replyLength = 64
)

// InitSetup starts a request: wIndex carries the application request type,
// wValue the total payload size.
func InitSetup(requestType, payloadSize uint16) usb.Setup {
	return usb.Setup{
		RequestType: requestTypeIn,
		Request:     ServiceInit,
		Value:       payloadSize,
		Index:       requestType,
		Length:      replyLength,
	}
}

// CheckSetup polls the state of the request identified by protoID.
func CheckSetup(protoID uint16) usb.Setup {
	return usb.Setup{
		RequestType: requestTypeIn,
		Request:     ServiceCheck,
		Index:       protoID,
		Length:      replyLength,
	}
}

// SendSetup transfers one chunk of request payload to the device.
func SendSetup(protoID, chunkLen uint16) usb.Setup {
	return usb.Setup{
		RequestType: requestTypeOut,
		Request:     ServiceSend,
		Index:       protoID,
		Length:      chunkLen,
	}
}

// RecvSetup retrieves one chunk of reply payload from the device.
func RecvSetup(protoID, chunkLen uint16) usb.Setup {
	return usb.Setup{
		RequestType: requestTypeIn,
		Request:     ServiceRecv,
		Index:       protoID,
		Length:      chunkLen,
	}
}

// ResetSetup cancels the request identified by protoID; protoID 0 resets
// every request the device is holding.
func ResetSetup(protoID uint16) usb.Setup {
	return usb.Setup{
		RequestType: requestTypeIn,
		Request:     ServiceReset,
		Index:       protoID,
		Length:      replyLength,
	}
}

// FirmwareVersionSetup builds the sideband firmware-version request.
func FirmwareVersionSetup() usb.Setup {
	return usb.Setup{
		RequestType: requestTypeIn,
		Request:     FirmwareVersionRequest,
		Index:       firmwareVersionIndex,
		Length:      replyLength,
	}
}

// Status codes carried in a service reply.
type Status uint16

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusPending  Status = 2
	StatusBusy     Status = 3
	StatusNoMemory Status = 4
	StatusNotFound Status = 5
)

// Flag bits of a service reply. Status is mandatory, the rest mark optional
// fields.
const (
	FlagStatus = 0x01
	FlagID     = 0x02
	FlagSize   = 0x04
	FlagResult = 0x08
)

// Reply is a decoded service-reply frame.
type Reply struct {
	Status Status

	HasID bool
	ID    uint16

	HasSize bool
	Size    uint32

	HasResult bool
	Result    int32
}

// Marshal encodes the reply as the device would produce it.
func (r *Reply) Marshal() []byte {
	flags := uint32(FlagStatus)
	if r.HasID {
		flags |= FlagID
	}
	if r.HasSize {
		flags |= FlagSize
	}
	if r.HasResult {
		flags |= FlagResult
	}
	buf := make([]byte, 0, 16)
	buf = binary.LittleEndian.AppendUint32(buf, flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(r.Status))
	if r.HasID {
		buf = binary.LittleEndian.AppendUint16(buf, r.ID)
	}
	if r.HasSize {
		buf = binary.LittleEndian.AppendUint32(buf, r.Size)
	}
	if r.HasResult {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Result))
	}
	return buf
}

// ParseReply decodes a service-reply frame. Unknown flag bits are ignored;
// a missing STATUS flag or a frame shorter than its flags demand is a
// protocol error.
func ParseReply(data []byte) (*Reply, error) {
	if len(data) < 4 {
		return nil, usberr.New(usberr.CodeProtocol, "service reply shorter than flags field")
	}
	flags := binary.LittleEndian.Uint32(data)
	if flags&FlagStatus == 0 {
		return nil, usberr.New(usberr.CodeProtocol, "service reply has no status field")
	}
	offset := 4
	need := func(n int) error {
		if len(data) < offset+n {
			return usberr.New(usberr.CodeProtocol, "service reply truncated")
		}
		return nil
	}
	r := &Reply{}
	if err := need(2); err != nil {
		return nil, err
	}
	r.Status = Status(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2
	if flags&FlagID != 0 {
		if err := need(2); err != nil {
			return nil, err
		}
		r.HasID = true
		r.ID = binary.LittleEndian.Uint16(data[offset:])
		offset += 2
	}
	if flags&FlagSize != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		r.HasSize = true
		r.Size = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}
	if flags&FlagResult != 0 {
		if err := need(4); err != nil {
			return nil, err
		}
		r.HasResult = true
		r.Result = int32(binary.LittleEndian.Uint32(data[offset:]))
	}
	return r, nil
}
