// Package config loads tool configuration from the environment, with an
// optional .env file in the working directory or the project root.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Config holds the settings shared by the command-line tools.
type Config struct {
	// VendorID/ProductID filter enumeration. Zero matches any.
	VendorID  uint16
	ProductID uint16

	// BridgeAddr is the listen address of the HTTP bridge.
	BridgeAddr string

	// Verbose enables library diagnostics on stderr.
	Verbose bool
}

var (
	loaded *Config
	once   sync.Once
)

// Load reads the configuration once per process. A missing .env file is
// not an error; environment variables always win.
func Load() *Config {
	once.Do(func() {
		if path := findEnvFile(); path != "" {
			godotenv.Load(path)
		}
		loaded = &Config{
			VendorID:   envID("USB_VENDOR_ID"),
			ProductID:  envID("USB_PRODUCT_ID"),
			BridgeAddr: envOr("BRIDGE_ADDR", ":8855"),
			Verbose:    os.Getenv("USB_VERBOSE") == "1",
		}
	})
	return loaded
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envID parses a hex USB id such as "0x2b04" or "2b04".
func envID(key string) uint16 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if len(v) > 2 && v[0] == '0' && (v[1] == 'x' || v[1] == 'X') {
		v = v[2:]
	}
	id, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(id)
}

// findEnvFile checks the working directory first, then walks up to the
// directory holding go.mod.
func findEnvFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(cwd, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return ""
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
