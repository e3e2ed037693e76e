package capture

import (
	"strconv"
)

// CameraInput resolves a numeric camera index to the ffmpeg input and
// format for goos. Anything that is not a small integer is returned as is
// with an empty format so ffmpeg probes it.
func CameraInput(source, goos string) (input, format string) {
	idx, err := strconv.Atoi(source)
	if err != nil || idx < 0 {
		return source, ""
	}
	switch goos {
	case "linux":
		return "/dev/video" + source, "v4l2"
	case "darwin":
		return source, "avfoundation"
	case "windows":
		return "video=" + source, "dshow"
	default:
		return source, ""
	}
}

// Resolve fills Input and InputFormat from a camera index when InputFormat
// is unset.
func (c FFmpegConfig) Resolve(goos string) FFmpegConfig {
	if c.InputFormat != "" {
		return c
	}
	c.Input, c.InputFormat = CameraInput(c.Input, goos)
	return c
}
