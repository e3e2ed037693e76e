package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.relay/internal/timeutil"
)

func jpeg(body string) []byte {
	out := append([]byte{0xFF, 0xD8}, body...)
	return append(out, 0xFF, 0xD9)
}

func scanAll(t *testing.T, r io.Reader) [][]byte {
	t.Helper()
	scanner := newJPEGScanner(r)
	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, bytes.Clone(scanner.Bytes()))
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestSplitJPEG(t *testing.T) {
	a, b := jpeg("first"), jpeg("second\xff\x00")
	stream := bytes.Join([][]byte{[]byte("junk"), a, []byte{0x00}, b, []byte{0xFF, 0xD8, 'x'}}, nil)

	want := [][]byte{a, b}
	if diff := cmp.Diff(want, scanAll(t, bytes.NewReader(stream))); diff != "" {
		t.Errorf("whole stream (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, scanAll(t, iotest.OneByteReader(bytes.NewReader(stream)))); diff != "" {
		t.Errorf("byte at a time (-want +got):\n%s", diff)
	}
}

func TestSplitJPEG_NoImages(t *testing.T) {
	assert.Empty(t, scanAll(t, bytes.NewReader([]byte("no markers here\xff"))))
}

func TestFFmpegConfigArgs(t *testing.T) {
	got := FFmpegConfig{Input: "/dev/video0", InputFormat: "v4l2", Width: 640, Height: 480, FPS: 30}.Args()
	want := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2", "-video_size", "640x480", "-framerate", "30",
		"-i", "/dev/video0", "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Args() mismatch (-want +got):\n%s", diff)
	}

	got = FFmpegConfig{Input: "clip.mp4", Quality: 5}.Args()
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "clip.mp4", "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "-",
	}, got)
}

func TestStartFFmpeg_Errors(t *testing.T) {
	_, err := StartFFmpeg(context.Background(), FFmpegConfig{}, zerolog.Nop())
	assert.ErrorContains(t, err, "input is required")

	_, err = StartFFmpeg(context.Background(), FFmpegConfig{Binary: "/nonexistent/ffmpeg", Input: "x"}, zerolog.Nop())
	assert.Error(t, err)
}

func writeImages(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return dir
}

func TestDirSource_OrderAndEOF(t *testing.T) {
	dir := writeImages(t, "b.png", "a.jpg", "notes.txt", "c.JPEG")
	src, err := OpenDir(dir)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, 3, src.Len())

	var got []string
	var formats []string
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(f.Data))
		formats = append(formats, f.Format)
	}
	assert.Equal(t, []string{"a.jpg", "b.png", "c.JPEG"}, got)
	assert.Equal(t, []string{"jpeg", "png", "jpeg"}, formats)
}

func TestDirSource_LoopAndPacing(t *testing.T) {
	dir := writeImages(t, "1.jpg", "2.jpg")
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	src, err := OpenDir(dir, WithLoop(), WithFPS(10), WithDirClock(clock))
	require.NoError(t, err)

	var seqs []uint64
	for range 5 {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Len(t, clock.Sleeps(), 4)
	assert.Equal(t, 400*time.Millisecond, clock.Since(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDirSource_Errors(t *testing.T) {
	_, err := OpenDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = OpenDir(writeImages(t, "readme.md"))
	assert.ErrorContains(t, err, "no images")

	src, err := OpenDir(writeImages(t, "a.jpg"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCameraInput(t *testing.T) {
	tests := []struct {
		source, goos          string
		wantInput, wantFormat string
	}{
		{"0", "linux", "/dev/video0", "v4l2"},
		{"1", "darwin", "1", "avfoundation"},
		{"0", "windows", "video=0", "dshow"},
		{"0", "plan9", "0", ""},
		{"/dev/video2", "linux", "/dev/video2", ""},
		{"rtsp://cam/stream", "linux", "rtsp://cam/stream", ""},
		{"-1", "linux", "-1", ""},
	}
	for _, tt := range tests {
		input, format := CameraInput(tt.source, tt.goos)
		assert.Equal(t, tt.wantInput, input, "%s on %s", tt.source, tt.goos)
		assert.Equal(t, tt.wantFormat, format, "%s on %s", tt.source, tt.goos)
	}

	cfg := FFmpegConfig{Input: "testsrc=size=320x240:rate=10", InputFormat: "lavfi"}
	assert.Equal(t, cfg, cfg.Resolve("linux"))
	assert.Equal(t, FFmpegConfig{Input: "/dev/video0", InputFormat: "v4l2"}, FFmpegConfig{Input: "0"}.Resolve("linux"))
}
