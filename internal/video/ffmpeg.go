package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegConfig describes how ffmpeg is invoked for each source kind.
type FFmpegConfig struct {
	// Path of the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string

	// CameraFormat and CameraInput are the -f and -i arguments for the
	// camera, e.g. "v4l2" and "/dev/video0".
	CameraFormat string
	CameraInput  string

	// ScreenFormat and ScreenInput are the -f and -i arguments for screen
	// capture, e.g. "x11grab" and ":0.0".
	ScreenFormat string
	ScreenInput  string

	// Width and Height of the delivered frames. Sources are scaled to fit.
	Width  int
	Height int

	// FPS is the capture rate.
	FPS int

	// StartTimeout bounds the wait for the first frame.
	StartTimeout time.Duration
}

// DefaultFFmpegConfig returns device defaults for the current platform.
func DefaultFFmpegConfig() FFmpegConfig {
	cfg := FFmpegConfig{
		Path:         "ffmpeg",
		Width:        640,
		Height:       480,
		FPS:          10,
		StartTimeout: 5 * time.Second,
	}
	switch runtime.GOOS {
	case "darwin":
		cfg.CameraFormat, cfg.CameraInput = "avfoundation", "0"
		cfg.ScreenFormat, cfg.ScreenInput = "avfoundation", "Capture screen 0"
	case "windows":
		cfg.CameraFormat, cfg.CameraInput = "dshow", "video=Integrated Camera"
		cfg.ScreenFormat, cfg.ScreenInput = "gdigrab", "desktop"
	default:
		display := os.Getenv("DISPLAY")
		if display == "" {
			display = ":0"
		}
		cfg.CameraFormat, cfg.CameraInput = "v4l2", "/dev/video0"
		cfg.ScreenFormat, cfg.ScreenInput = "x11grab", display
	}
	return cfg
}

// withDefaults fills zero fields from DefaultFFmpegConfig.
func (c FFmpegConfig) withDefaults() FFmpegConfig {
	d := DefaultFFmpegConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.CameraFormat == "" {
		c.CameraFormat, c.CameraInput = d.CameraFormat, d.CameraInput
	}
	if c.ScreenFormat == "" {
		c.ScreenFormat, c.ScreenInput = d.ScreenFormat, d.ScreenInput
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.FPS <= 0 {
		c.FPS = d.FPS
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	return c
}

// FFmpeg opens camera and screen sources backed by an ffmpeg child process
// that writes raw RGBA frames to its stdout.
type FFmpeg struct {
	cfg FFmpegConfig
}

// NewFFmpeg returns an Opener using cfg. Zero fields take platform defaults.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	return &FFmpeg{cfg: cfg.withDefaults()}
}

// OpenCamera starts capturing from the configured camera.
func (f *FFmpeg) OpenCamera(ctx context.Context) (Source, error) {
	return f.open(ctx, f.cfg.CameraFormat, f.cfg.CameraInput)
}

// OpenScreen starts capturing the configured screen.
func (f *FFmpeg) OpenScreen(ctx context.Context) (Source, error) {
	return f.open(ctx, f.cfg.ScreenFormat, f.cfg.ScreenInput)
}

// args returns the ffmpeg command line for one input.
func (f *FFmpeg) args(format, input string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-framerate", strconv.Itoa(f.cfg.FPS),
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", f.cfg.Width, f.cfg.Height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	}
}

func (f *FFmpeg) open(ctx context.Context, format, input string) (Source, error) {
	// The process outlives ctx, which only bounds the start-up.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.cfg.Path, f.args(format, input)...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %w", ErrDevice, f.cfg.Path, err)
	}

	src := newStreamSource(stdout, f.cfg.Width, f.cfg.Height)
	src.stop = func() error {
		cancel()
		<-src.done
		err := cmd.Wait()
		if procCtx.Err() != nil {
			// Killed by us.
			return nil
		}
		return err
	}
	slog.Debug("video: ffmpeg started", "format", format, "input", input, "pid", cmd.Process.Pid)

	timer := time.NewTimer(f.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-src.first:
		return src, nil
	case <-src.done:
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s %s: %s", ErrDevice, format, input, stderr.message())
	case <-timer.C:
		_ = src.Close()
		return nil, fmt.Errorf("%w: %s %s: no frame within %s", ErrDevice, format, input, f.cfg.StartTimeout)
	case <-ctx.Done():
		_ = src.Close()
		return nil, ctx.Err()
	}
}

// FFmpegSource keeps the most recent frame read from a raw RGBA stream.
type FFmpegSource struct {
	width, height int

	mu     sync.Mutex
	front  []byte
	frames int64

	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}

	stop      func() error
	closeOnce sync.Once
	closeErr  error
}

// newStreamSource starts reading width*height RGBA frames from r.
func newStreamSource(r io.Reader, width, height int) *FFmpegSource {
	s := &FFmpegSource{
		width:  width,
		height: height,
		first:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *FFmpegSource) readLoop(r io.Reader) {
	defer close(s.done)
	back := make([]byte, s.width*s.height*4)
	for {
		if _, err := io.ReadFull(r, back); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("video: frame stream ended", "err", err)
			}
			return
		}
		s.mu.Lock()
		s.front, back = back, s.front
		s.frames++
		s.mu.Unlock()
		if back == nil {
			back = make([]byte, s.width*s.height*4)
		}
		s.firstOnce.Do(func() { close(s.first) })
	}
}

// Frame returns a copy of the most recent frame.
func (s *FFmpegSource) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.front == nil {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	copy(img.Pix, s.front)
	return img, true
}

// Frames returns the number of frames read so far.
func (s *FFmpegSource) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close stops the stream. Idempotent.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.closeErr = s.stop()
		}
	})
	return s.closeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

// message returns the last non-empty line written, or a generic text.
func (t *tailBuffer) message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(string(bytes.TrimSpace(t.buf)), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return "ffmpeg exited before the first frame"
}

var (
	_ Opener = (*FFmpeg)(nil)
	_ Source = (*FFmpegSource)(nil)
)
