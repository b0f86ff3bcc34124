// monitor is an interactive view of attached devices: identity, mode and
// firmware, refreshed continuously.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/particle-iot/particle-usb-sub000/internal/config"
	"github.com/particle-iot/particle-usb-sub000/internal/discovery"
	"github.com/particle-iot/particle-usb-sub000/internal/usb"
)

const rescanInterval = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	dfuStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	appStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type scanResult struct {
	devices []discovery.DeviceInfo
	err     error
}

type rescanMsg struct{}

type model struct {
	filter   usb.Filter
	spinner  spinner.Model
	devices  []discovery.DeviceInfo
	scanErr  error
	scans    int
	scanning bool
}

func newModel(filter usb.Filter) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	return model{filter: filter, spinner: s, scanning: true}
}

func (m model) scan() tea.Cmd {
	filter := m.filter
	return func() tea.Msg {
		devices, err := discovery.Scan(context.Background(), filter)
		return scanResult{devices: devices, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.scan())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.scanning {
				m.scanning = true
				return m, m.scan()
			}
		}
		return m, nil

	case scanResult:
		m.devices = msg.devices
		m.scanErr = msg.err
		m.scans++
		m.scanning = false
		return m, tea.Tick(rescanInterval, func(time.Time) tea.Msg { return rescanMsg{} })

	case rescanMsg:
		m.scanning = true
		return m, m.scan()

	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

func (m model) View() string {
	s := titleStyle.Render("USB Device Monitor") + "\n\n"

	if m.scanErr != nil {
		s += errStyle.Render(fmt.Sprintf("scan failed: %v", m.scanErr)) + "\n"
	}

	if len(m.devices) == 0 && m.scanErr == nil {
		if m.scans == 0 {
			s += m.spinner.View() + " scanning...\n"
		} else {
			s += dimStyle.Render("no devices found") + "\n"
		}
	} else {
		s += headerStyle.Render(fmt.Sprintf("%-10s %-26s %-5s %s", "VID:PID", "SERIAL", "MODE", "STATUS")) + "\n"
		for _, d := range m.devices {
			mode := appStyle.Render("app")
			if d.DFU {
				mode = dfuStyle.Render("dfu")
			}
			status := "ok"
			if d.Error != "" {
				status = errStyle.Render(d.Error)
			}
			s += fmt.Sprintf("%04x:%04x  %-26s %-14s %s\n", d.VendorID, d.ProductID, d.Serial, mode, status)
		}
	}

	s += "\n" + dimStyle.Render("r: rescan  q: quit")
	if m.scanning {
		s += "  " + m.spinner.View()
	}
	return s + "\n"
}

func main() {
	cfg := config.Load()
	filter := usb.Filter{VendorID: cfg.VendorID, ProductID: cfg.ProductID}

	p := tea.NewProgram(newModel(filter))
	if _, err := p.Run(); err != nil {
		log.Printf("monitor error: %v", err)
		os.Exit(1)
	}
}
