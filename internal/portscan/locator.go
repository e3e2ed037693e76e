package portscan

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNoMatch is returned when no candidate satisfies any discovery tier.
var ErrNoMatch = errors.New("no matching serial port found")

// Locator scans a Catalog and selects the controller port.
type Locator struct {
	catalog Catalog
	log     zerolog.Logger
}

// NewLocator returns a Locator over catalog. A nil catalog uses the host
// enumerator.
func NewLocator(catalog Catalog, log zerolog.Logger) *Locator {
	if catalog == nil {
		catalog = EnumeratorCatalog{}
	}
	return &Locator{catalog: catalog, log: log}
}

// List returns every port currently visible, logging each one.
func (l *Locator) List() ([]Candidate, error) {
	ports, err := l.catalog.Ports()
	if err != nil {
		return nil, err
	}
	l.log.Info().Int("count", len(ports)).Msg("serial ports found")
	for _, p := range ports {
		l.log.Info().
			Str("device", p.DeviceID).
			Str("description", p.Descriptor).
			Str("hwid", p.HardwareID).
			Msg(p.String())
	}
	return ports, nil
}

// Locate scans the catalog and returns the best candidate.
func (l *Locator) Locate() (Candidate, Tier, error) {
	ports, err := l.List()
	if err != nil {
		return Candidate{}, TierNone, err
	}

	c, tier, ok := Discover(ports)
	if !ok {
		l.log.Warn().Int("candidates", len(ports)).Msg("no controller-like serial port found")
		return Candidate{}, TierNone, fmt.Errorf("%w among %d ports", ErrNoMatch, len(ports))
	}

	ev := l.log.Info()
	if tier == TierSingleton {
		ev = l.log.Warn()
	}
	ev.Str("device", c.DeviceID).Stringer("tier", tier).Msg("selected serial port")
	return c, tier, nil
}
