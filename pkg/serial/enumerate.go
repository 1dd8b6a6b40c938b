package serial

import (
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB identifiers of the EiBotBoard.
const (
	EBBVendorID  = "04D8"
	EBBProductID = "FD92"
)

// PortInfo describes one candidate port.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// LikelyEBB reports whether the USB identifiers or product string match the
// controller board. This only orders probing; identity is confirmed by the
// board's version reply.
func (p PortInfo) LikelyEBB() bool {
	if strings.EqualFold(p.VID, EBBVendorID) && strings.EqualFold(p.PID, EBBProductID) {
		return true
	}
	return strings.Contains(strings.ToUpper(p.Product), "EIBOTBOARD")
}

// ListPorts returns candidate ports, likely boards first. It uses USB
// enumeration and falls back to globbing device nodes where enumeration is
// unavailable.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil || len(details) == 0 {
		return globPorts()
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		a, b := ports[i], ports[j]
		if a.LikelyEBB() != b.LikelyEBB() {
			return a.LikelyEBB()
		}
		if a.USB != b.USB {
			return a.USB
		}
		return a.Name < b.Name
	})
}

func globPorts() ([]PortInfo, error) {
	var patterns []string
	switch runtime.GOOS {
	case "linux":
		patterns = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}
	case "darwin":
		patterns = []string{"/dev/cu.usbmodem*", "/dev/tty.usbmodem*"}
	}

	seen := make(map[string]bool)
	var ports []PortInfo
	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if resolved, err := filepath.EvalSymlinks(m); err == nil {
				m = resolved
			}
			if seen[m] {
				continue
			}
			seen[m] = true
			ports = append(ports, PortInfo{Name: m})
		}
	}
	sortPorts(ports)
	return ports, nil
}
