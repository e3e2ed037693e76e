package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// FFmpegConfig describes an ffmpeg capture pipeline.
type FFmpegConfig struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// Input is a device path, file or URL.
	Input string
	// InputFormat is passed as -f before the input, e.g. "v4l2",
	// "avfoundation" or "dshow". Empty lets ffmpeg probe.
	InputFormat string
	Width       int
	Height      int
	FPS         int
	// Quality is the mjpeg -q:v value, 2 (best) to 31. Defaults to 3.
	Quality int
}

// Args builds the ffmpeg argument list for an MJPEG image2pipe on stdout.
func (c FFmpegConfig) Args() []string {
	var args []string
	args = append(args, "-hide_banner", "-loglevel", "error")
	if c.InputFormat != "" {
		args = append(args, "-f", c.InputFormat)
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	if c.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FPS))
	}
	quality := c.Quality
	if quality <= 0 {
		quality = 3
	}
	args = append(args,
		"-i", c.Input,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(quality),
		"-",
	)
	return args
}

// FFmpegSource reads JPEG frames from an ffmpeg subprocess.
type FFmpegSource struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	clock   timeutil.Clock
	log     zerolog.Logger
	seq     uint64

	closeOnce sync.Once
	closeErr  error
}

// StartFFmpeg launches ffmpeg and returns a Source over its stdout. The
// process is bound to ctx as well as to Close.
func StartFFmpeg(ctx context.Context, cfg FFmpegConfig, log zerolog.Logger) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, errors.New("ffmpeg input is required")
	}
	bin := cfg.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, bin, cfg.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("input", cfg.Input).Msg("ffmpeg capture started")

	s := &FFmpegSource{
		cmd:     cmd,
		cancel:  cancel,
		scanner: newJPEGScanner(stdout),
		clock:   timeutil.RealClock{},
		log:     log,
	}
	go s.logStderr(stderr)
	return s, nil
}

func (s *FFmpegSource) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.log.Warn().Str("ffmpeg", line).Msg("capture stderr")
		}
	}
}

// Next returns the next frame, or io.EOF once ffmpeg closes its output.
func (s *FFmpegSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return Frame{}, fmt.Errorf("read frame: %w", err)
		}
		return Frame{}, io.EOF
	}
	s.seq++
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return Frame{Seq: s.seq, At: s.clock.Now(), Format: "jpeg", Data: data}, nil
}

// Close stops ffmpeg and waits for it to exit.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = err
		}
		s.log.Info().Msg("ffmpeg capture stopped")
	})
	return s.closeErr
}
