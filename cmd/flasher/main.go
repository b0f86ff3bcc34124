// flasher downloads a firmware image into a device in DFU mode, with
// sector erase and progress reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/particle-iot/particle-usb-sub000/internal/config"
	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/device"
)

func main() {
	var (
		file    = flag.String("file", "", "firmware image to download (required)")
		addrStr = flag.String("addr", "0x08020000", "target start address")
		alt     = flag.Int("alt", -1, "DFU alt-setting to select before flashing")
		noErase = flag.Bool("no-erase", false, "skip the erase pass")
		leave   = flag.Bool("leave", false, "leave DFU mode after flashing")
		readLen = flag.Int("read", 0, "read back N bytes instead of flashing")
		timeout = flag.Duration("timeout", 5*time.Minute, "overall operation timeout")
	)
	flag.Parse()

	cfg := config.Load()
	logger := log.New(os.Stderr, "", log.LstdFlags)
	if !cfg.Verbose {
		logger = nil
	}

	addr, err := parseAddr(*addrStr)
	if err != nil {
		log.Fatalf("invalid address %q: %v", *addrStr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dev, err := device.OpenFirst(ctx, usb.Filter{
		VendorID:  cfg.VendorID,
		ProductID: cfg.ProductID,
	}, &device.Options{Logger: logger})
	if err != nil {
		log.Fatalf("opening device: %v", err)
	}
	defer dev.Close(nil)

	if !dev.IsInDFUMode() {
		log.Fatalf("device %s is not in DFU mode", dev.SerialNumber())
	}
	fmt.Printf("Device %s (%04x:%04x)\n", dev.SerialNumber(), dev.VendorID(), dev.ProductID())

	if *alt >= 0 {
		if err := dev.SetAltSetting(ctx, *alt); err != nil {
			log.Fatalf("selecting alt-setting %d: %v", *alt, err)
		}
	}

	progress := mpb.New(mpb.WithWidth(80))
	bars := make(map[string]*mpb.Bar)
	onProgress := func(e device.Progress) {
		switch e.Event {
		case "start-erase":
			bars["erase"] = addBar(progress, "Erasing:     ", e.Total)
		case "erased":
			bars["erase"].IncrBy(e.Bytes)
		case "start-download":
			bars["download"] = addBar(progress, "Downloading: ", e.Total)
		case "downloaded":
			bars["download"].IncrBy(e.Bytes)
		case "start-upload":
			bars["upload"] = addBar(progress, "Reading:     ", e.Total)
		case "uploaded":
			bars["upload"].IncrBy(e.Bytes)
		case "failed-download":
			bars["download"].Abort(false)
		case "complete-upload":
			bars["upload"].SetTotal(int64(e.Bytes), true)
		}
	}

	if *readLen > 0 {
		data, err := dev.ReadMemory(ctx, addr, *readLen, onProgress)
		progress.Wait()
		if err != nil {
			log.Fatalf("reading memory: %v", err)
		}
		if err := os.WriteFile(*file, data, 0644); err != nil {
			log.Fatalf("writing %s: %v", *file, err)
		}
		fmt.Printf("Read %d bytes to %s\n", len(data), *file)
		return
	}

	if *file == "" {
		log.Fatal("missing -file")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("reading %s: %v", *file, err)
	}

	err = dev.Flash(ctx, device.FlashOptions{
		Addr:     addr,
		Data:     data,
		NoErase:  *noErase,
		Leave:    *leave,
		Progress: onProgress,
	})
	progress.Wait()
	if err != nil {
		log.Fatalf("flashing: %v", err)
	}
	fmt.Printf("Flashed %d bytes at 0x%08x\n", len(data), addr)
}

func addBar(p *mpb.Progress, name string, total int) *mpb.Bar {
	return p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO), "done"),
		),
	)
}

func parseAddr(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}
