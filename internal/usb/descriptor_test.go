package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dfuConfigDescriptor builds a configuration descriptor with two DFU
// alt-settings followed by a DFU_FUNCTIONAL descriptor.
func dfuConfigDescriptor() []byte {
	desc := []byte{
		// Configuration descriptor header.
		9, 0x02, 0, 0, 1, 1, 0, 0xC0, 50,
		// Interface 0 alt 0, class 0xFE subclass 0x01, iInterface 4.
		9, 0x04, 0, 0, 0, 0xFE, 0x01, 0x02, 4,
		// Interface 0 alt 1, iInterface 5.
		9, 0x04, 0, 1, 0, 0xFE, 0x01, 0x02, 5,
		// DFU_FUNCTIONAL: attributes, wDetachTimeOut=255, wTransferSize=4096, bcdDFUVersion=0x011A.
		9, 0x21, 0x0B, 0xFF, 0x00, 0x00, 0x10, 0x1A, 0x01,
	}
	desc[2] = byte(len(desc))
	desc[3] = byte(len(desc) >> 8)
	return desc
}

func TestParseInterfacesDFU(t *testing.T) {
	ifaces, err := ParseInterfaces(dfuConfigDescriptor())
	require.NoError(t, err)
	require.Len(t, ifaces, 2)

	assert.Equal(t, 0, ifaces[0].Number)
	assert.Equal(t, 0, ifaces[0].AltSetting)
	assert.Equal(t, 4, ifaces[0].StringIndex)
	assert.True(t, ifaces[0].IsDFU())
	assert.Nil(t, ifaces[0].Functional)

	assert.Equal(t, 1, ifaces[1].AltSetting)
	assert.True(t, ifaces[1].IsDFU())
	require.NotNil(t, ifaces[1].Functional)
	assert.Equal(t, uint16(4096), ifaces[1].Functional.TransferSize)
	assert.Equal(t, uint16(255), ifaces[1].Functional.DetachTimeout)
	assert.Equal(t, uint16(0x011A), ifaces[1].Functional.DFUVersion)
}

func TestParseInterfacesNonDFUFunctionalIgnored(t *testing.T) {
	desc := []byte{
		9, 0x02, 27, 0, 1, 1, 0, 0xC0, 50,
		// Vendor-specific interface.
		9, 0x04, 0, 0, 0, 0xFF, 0x00, 0x00, 0,
		// A 0x21 descriptor not preceded by a DFU interface.
		9, 0x21, 0x0B, 0xFF, 0x00, 0x00, 0x10, 0x1A, 0x01,
	}
	ifaces, err := ParseInterfaces(desc)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.False(t, ifaces[0].IsDFU())
	assert.Nil(t, ifaces[0].Functional)
}

func TestParseInterfacesTruncated(t *testing.T) {
	desc := dfuConfigDescriptor()
	_, err := ParseInterfaces(desc[:len(desc)-3])
	assert.Error(t, err)
}

func TestNormalizeSerial(t *testing.T) {
	assert.Equal(t, "e00fce68d32c5c6bc2ab1234", NormalizeSerial("E00FCE68D32C5C6BC2AB1234"))
	assert.Equal(t, "abc-123", NormalizeSerial(" ABC-123\x00\x01 "))
	assert.Equal(t, "", NormalizeSerial("\x00\x7F"))
}
