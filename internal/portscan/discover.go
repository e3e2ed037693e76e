package portscan

import (
	"regexp"
	"strings"
)

// Tier records which rule selected a candidate. Lower tiers are stronger
// evidence.
type Tier int

const (
	TierNone Tier = iota
	// TierDescriptor matched "arduino" in the descriptor or hardware id.
	TierDescriptor
	// TierVIDPID matched a known USB vendor/product pair.
	TierVIDPID
	// TierPortName matched a USB-serial device naming convention.
	TierPortName
	// TierSingleton picked the only port present. It is a guess; the
	// handshake is the only validation.
	TierSingleton
)

func (t Tier) String() string {
	switch t {
	case TierDescriptor:
		return "descriptor"
	case TierVIDPID:
		return "vid:pid"
	case TierPortName:
		return "port-name"
	case TierSingleton:
		return "singleton"
	default:
		return "none"
	}
}

const vendorKeyword = "arduino"

// knownVIDPID covers official boards and the common USB-serial bridges used
// on clones.
var knownVIDPID = []*regexp.Regexp{
	regexp.MustCompile(`(?i)VID:PID=2341:00[0-9a-f]{2}`), // Arduino SA
	regexp.MustCompile(`(?i)VID:PID=1A86:7523`),          // CH340
	regexp.MustCompile(`(?i)VID:PID=0403:6001`),          // FTDI FT232R
	regexp.MustCompile(`(?i)VID:PID=0403:6015`),          // FTDI FT231X
	regexp.MustCompile(`(?i)VID:PID=1A86:55D4`),          // CH9102
}

// usbSerialNames is matched against the base name of the device id.
var usbSerialNames = []*regexp.Regexp{
	regexp.MustCompile(`^(cu|tty)\.usbmodem\d+`),
	regexp.MustCompile(`^(cu|tty)\.wchusbserial\d+`),
	regexp.MustCompile(`^(cu|tty)\.SLAB_USBtoUART`),
	regexp.MustCompile(`^COM\d+$`),
	regexp.MustCompile(`^ttyACM\d+$`),
	regexp.MustCompile(`^ttyUSB\d+$`),
}

// Discover ranks candidates and returns the first match of the strongest
// tier that matches anything. It performs no I/O.
func Discover(candidates []Candidate) (Candidate, Tier, bool) {
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.Descriptor), vendorKeyword) ||
			strings.Contains(strings.ToLower(c.HardwareID), vendorKeyword) {
			return c, TierDescriptor, true
		}
	}

	for _, c := range candidates {
		if matchesAny(knownVIDPID, c.HardwareID) {
			return c, TierVIDPID, true
		}
	}

	for _, c := range candidates {
		if matchesAny(usbSerialNames, baseName(c.DeviceID)) {
			return c, TierPortName, true
		}
	}

	if len(candidates) == 1 {
		return candidates[0], TierSingleton, true
	}
	return Candidate{}, TierNone, false
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// baseName strips any directory prefix, accepting both separators so
// Windows-style ids like `\\.\COM3` work on every host.
func baseName(deviceID string) string {
	if i := strings.LastIndexAny(deviceID, `/\`); i >= 0 {
		return deviceID[i+1:]
	}
	return deviceID
}
