// Package portscan enumerates serial endpoints and picks the one most likely
// to be the controller.
package portscan

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Candidate is one serial endpoint visible to the host at scan time.
type Candidate struct {
	// DeviceID is the OS path or name used to open the port.
	DeviceID string `json:"device"`
	// Descriptor is a human readable product description.
	Descriptor string `json:"description"`
	// HardwareID is "USB VID:PID=XXXX:YYYY SER=..." for USB ports, "n/a" otherwise.
	HardwareID string `json:"hwid"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s: %s (hwid: %s)", c.DeviceID, c.Descriptor, c.HardwareID)
}

// Catalog lists the serial endpoints currently present.
type Catalog interface {
	Ports() ([]Candidate, error)
}

// CatalogFunc adapts a plain function to Catalog.
type CatalogFunc func() ([]Candidate, error)

// Ports calls f.
func (f CatalogFunc) Ports() ([]Candidate, error) { return f() }

// StaticCatalog returns a fixed candidate list.
type StaticCatalog []Candidate

// Ports returns a copy of the list.
func (s StaticCatalog) Ports() ([]Candidate, error) {
	out := make([]Candidate, len(s))
	copy(out, s)
	return out, nil
}

// EnumeratorCatalog lists ports through go.bug.st/serial/enumerator, which
// reads USB metadata from sysfs, IOKit or SetupAPI depending on the OS.
type EnumeratorCatalog struct{}

// Ports enumerates the host's serial ports.
func (EnumeratorCatalog) Ports() ([]Candidate, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]Candidate, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		out = append(out, FromPortDetails(*d))
	}
	return out, nil
}

// FromPortDetails converts enumerator output into a Candidate.
func FromPortDetails(d enumerator.PortDetails) Candidate {
	c := Candidate{
		DeviceID:   d.Name,
		Descriptor: strings.TrimSpace(d.Product),
		HardwareID: "n/a",
	}
	if d.IsUSB {
		c.HardwareID = fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
		if d.SerialNumber != "" {
			c.HardwareID += " SER=" + d.SerialNumber
		}
	}
	if c.Descriptor == "" {
		c.Descriptor = friendlyName(d.Name)
	}
	return c
}

// friendlyName generates a user-friendly name for a serial port without
// product metadata.
func friendlyName(portPath string) string {
	deviceName := baseName(portPath)
	switch {
	case strings.HasPrefix(deviceName, "ttyUSB"):
		return fmt.Sprintf("USB Serial Adapter (%s)", deviceName)
	case strings.HasPrefix(deviceName, "ttyACM"):
		return fmt.Sprintf("USB CDC Device (%s)", deviceName)
	case strings.HasPrefix(deviceName, "ttyAMA"):
		return fmt.Sprintf("Raspberry Pi Serial (%s)", deviceName)
	case deviceName == "":
		return "n/a"
	default:
		return deviceName
	}
}
