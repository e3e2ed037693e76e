package portscan

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocator_LocateLogsCandidates(t *testing.T) {
	var buf bytes.Buffer
	l := NewLocator(StaticCatalog{bluetooth, uno}, zerolog.New(&buf))

	c, tier, err := l.Locate()
	require.NoError(t, err)
	assert.Equal(t, uno, c)
	assert.Equal(t, TierDescriptor, tier)

	out := buf.String()
	assert.Contains(t, out, "/dev/ttyACM0: Arduino Uno (hwid: USB VID:PID=2341:0043 SER=9573)")
	assert.Contains(t, out, "/dev/cu.Bluetooth-Incoming-Port")
	assert.Contains(t, out, `"tier":"descriptor"`)
}

func TestLocator_NoMatch(t *testing.T) {
	l := NewLocator(StaticCatalog{}, zerolog.Nop())
	_, tier, err := l.Locate()
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, TierNone, tier)
}

func TestLocator_SingletonWarns(t *testing.T) {
	var buf bytes.Buffer
	l := NewLocator(StaticCatalog{pl2303}, zerolog.New(&buf))
	_, tier, err := l.Locate()
	require.NoError(t, err)
	assert.Equal(t, TierSingleton, tier)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestLocator_CatalogError(t *testing.T) {
	boom := errors.New("sysfs unavailable")
	l := NewLocator(CatalogFunc(func() ([]Candidate, error) { return nil, boom }), zerolog.Nop())
	_, err := l.List()
	assert.ErrorIs(t, err, boom)
}

func TestStaticCatalogCopies(t *testing.T) {
	s := StaticCatalog{uno}
	ports, err := s.Ports()
	require.NoError(t, err)
	ports[0].DeviceID = "changed"
	assert.Equal(t, "/dev/ttyACM0", s[0].DeviceID)
}
