package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime }()

	assert.Equal(t, "dev (unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "v0.3.0", "0123456789abcdef0123", "2025-03-01T12:00:00Z"
	assert.Equal(t, "v0.3.0 (0123456789ab, built 2025-03-01T12:00:00Z)", String())
}
