package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvID(t *testing.T) {
	t.Setenv("TEST_USB_ID", "0x2b04")
	assert.Equal(t, uint16(0x2b04), envID("TEST_USB_ID"))

	t.Setenv("TEST_USB_ID", "2B04")
	assert.Equal(t, uint16(0x2b04), envID("TEST_USB_ID"))

	t.Setenv("TEST_USB_ID", "not-hex")
	assert.Equal(t, uint16(0), envID("TEST_USB_ID"))

	assert.Equal(t, uint16(0), envID("TEST_USB_ID_UNSET"))
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ADDR", "")
	assert.Equal(t, ":8855", envOr("TEST_ADDR", ":8855"))

	t.Setenv("TEST_ADDR", ":9000")
	assert.Equal(t, ":9000", envOr("TEST_ADDR", ":8855"))
}
