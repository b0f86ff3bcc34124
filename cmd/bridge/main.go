// bridge exposes device discovery and vendor requests over a local REST
// API, so non-Go tooling can talk to attached devices.
package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/particle-iot/particle-usb-sub000/internal/config"
	"github.com/particle-iot/particle-usb-sub000/internal/discovery"
	"github.com/particle-iot/particle-usb-sub000/internal/usb"
	"github.com/particle-iot/particle-usb-sub000/pkg/device"
	"github.com/particle-iot/particle-usb-sub000/pkg/usberr"
)

type bridge struct {
	filter  usb.Filter
	logger  *log.Logger
	started time.Time
}

func main() {
	cfg := config.Load()
	b := &bridge{
		filter:  usb.Filter{VendorID: cfg.VendorID, ProductID: cfg.ProductID},
		logger:  log.New(os.Stderr, "bridge: ", log.LstdFlags),
		started: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/devices", b.handleListDevices)
		api.POST("/devices/:serial/request", b.handleSendRequest)
		api.GET("/health", b.handleHealth)
	}

	srv := &http.Server{
		Addr:    cfg.BridgeAddr,
		Handler: router,
	}

	go func() {
		b.logger.Printf("listening on %s", cfg.BridgeAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	b.logger.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		b.logger.Printf("shutdown error: %v", err)
	}
}

func (b *bridge) handleListDevices(c *gin.Context) {
	devices, err := discovery.Scan(c.Request.Context(), b.filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type sendRequestBody struct {
	Type      int    `json:"type"`
	Data      string `json:"data"`
	Text      bool   `json:"text"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (b *bridge) handleSendRequest(c *gin.Context) {
	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	dev, err := b.openBySerial(c.Request.Context(), c.Param("serial"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer dev.Close(nil)

	var opts device.RequestOptions
	if body.TimeoutMs > 0 {
		opts.Timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	if body.Text {
		code, reply, err := dev.SendTextRequest(c.Request.Context(), body.Type, body.Data, &opts)
		respond(c, code, []byte(reply), true, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data must be base64"})
		return
	}
	res, err := dev.SendRequest(c.Request.Context(), body.Type, data, &opts)
	respond(c, res.Code, res.Data, false, err)
}

func respond(c *gin.Context, code int32, data []byte, text bool, err error) {
	if err != nil && usberr.CodeOf(err) != usberr.CodeRequest {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	out := gin.H{"result": code}
	if text {
		out["data"] = string(data)
	} else {
		out["data"] = base64.StdEncoding.EncodeToString(data)
	}
	c.JSON(http.StatusOK, out)
}

// openBySerial enumerates matching devices and opens the one with the
// given serial number, releasing the rest.
func (b *bridge) openBySerial(ctx context.Context, serial string) (*device.Device, error) {
	devices, err := device.List(b.filter, &device.Options{Logger: b.logger})
	if err != nil {
		return nil, err
	}
	var target *device.Device
	for _, d := range devices {
		if target == nil {
			if err := d.Open(ctx); err != nil {
				continue
			}
			if d.SerialNumber() == serial {
				target = d
				continue
			}
			d.Close(nil)
			continue
		}
		d.Close(nil)
	}
	if target == nil {
		return nil, usberr.Newf(usberr.CodeNotFound, "no device with serial %q", serial)
	}
	return target, nil
}

func statusFor(err error) int {
	switch usberr.CodeOf(err) {
	case usberr.CodeNotFound:
		return http.StatusNotFound
	case usberr.CodeRange, usberr.CodeState:
		return http.StatusBadRequest
	case usberr.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (b *bridge) handleHealth(c *gin.Context) {
	health := gin.H{
		"status": "ok",
		"uptime": time.Since(b.started).Round(time.Second).String(),
	}
	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		health["cpu_percent"] = percent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["mem_used_percent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, health)
}
