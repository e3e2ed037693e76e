package capture

import (
	"bufio"
	"bytes"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MaxFrameSize bounds a single JPEG in an MJPEG stream.
const MaxFrameSize = 16 << 20

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images from a
// concatenated MJPEG byte stream. Bytes before a start-of-image marker are
// skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF in case it starts the next marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			// truncated final image
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

func newJPEGScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), MaxFrameSize)
	scanner.Split(SplitJPEG)
	return scanner
}
