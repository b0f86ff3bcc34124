package usb

import (
	"encoding/binary"

	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

// Descriptor types and class codes used while walking a raw configuration
// descriptor.
const (
	descTypeInterface     = 0x04
	descTypeDFUFunctional = 0x21

	classAppSpecific = 0xFE
	subclassDFU      = 0x01
)

// DFUFunctional carries the fields of a DFU_FUNCTIONAL descriptor.
type DFUFunctional struct {
	Attributes    uint8
	DetachTimeout uint16
	TransferSize  uint16
	DFUVersion    uint16
}

// InterfaceInfo describes one interface/alt-setting pair found in a
// configuration descriptor.
type InterfaceInfo struct {
	Number      int
	AltSetting  int
	Class       uint8
	SubClass    uint8
	StringIndex int

	// Functional is set when a DFU_FUNCTIONAL descriptor immediately
	// follows a DFU interface (class 0xFE, subclass 0x01).
	Functional *DFUFunctional
}

// IsDFU reports whether the interface advertises the DFU class.
func (i InterfaceInfo) IsDFU() bool {
	return i.Class == classAppSpecific && i.SubClass == subclassDFU
}

// ParseInterfaces walks a raw configuration descriptor and returns every
// INTERFACE descriptor, attaching DFU_FUNCTIONAL data where it directly
// follows a DFU interface.
func ParseInterfaces(desc []byte) ([]InterfaceInfo, error) {
	var out []InterfaceInfo
	var last *InterfaceInfo

	offset := 0
	for offset+2 <= len(desc) {
		length := int(desc[offset])
		dtype := desc[offset+1]
		if length < 2 || offset+length > len(desc) {
			return nil, usberr.New(usberr.CodeProtocol, "truncated descriptor in configuration")
		}
		switch dtype {
		case descTypeInterface:
			if length < 9 {
				return nil, usberr.New(usberr.CodeProtocol, "short interface descriptor")
			}
			out = append(out, InterfaceInfo{
				Number:      int(desc[offset+2]),
				AltSetting:  int(desc[offset+3]),
				Class:       desc[offset+5],
				SubClass:    desc[offset+6],
				StringIndex: int(desc[offset+8]),
			})
			last = &out[len(out)-1]
		case descTypeDFUFunctional:
			// Only meaningful immediately after a DFU interface.
			if last != nil && last.IsDFU() && length >= 7 {
				last.Functional = &DFUFunctional{
					Attributes:    desc[offset+2],
					DetachTimeout: binary.LittleEndian.Uint16(desc[offset+3 : offset+5]),
					TransferSize:  binary.LittleEndian.Uint16(desc[offset+5 : offset+7]),
				}
				if length >= 9 {
					last.Functional.DFUVersion = binary.LittleEndian.Uint16(desc[offset+7 : offset+9])
				}
			}
			last = nil
		default:
			last = nil
		}
		offset += length
	}
	return out, nil
}
