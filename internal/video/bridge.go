// Package video captures still frames from a camera or a screen share and
// forwards them to the live session as JPEG images.
//
// At most one source is live at a time. Starting a camera while a screen share
// is running replaces it, and vice versa. Frames are only sent on explicit
// request through [Bridge.CaptureAndSendFrame]; there is no continuous video
// stream.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync"

	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/media"
)

var (
	// ErrDevice is returned when a camera or screen source cannot be opened
	// or fails while running.
	ErrDevice = errors.New("video: device failure")

	// ErrVideoOff is returned by CaptureAndSendFrame when no source is live
	// or no session can take the frame.
	ErrVideoOff = errors.New("video: video is not on")

	// ErrNoFrame is returned when the source has not produced a frame yet.
	ErrNoFrame = errors.New("video: no frame available")
)

// DefaultJPEGQuality is used when Config.JPEGQuality is zero.
const DefaultJPEGQuality = 85

// Mode identifies the kind of the live source.
type Mode string

const (
	ModeOff    Mode = ""
	ModeCamera Mode = "camera"
	ModeScreen Mode = "screen"
)

// Source is a live video source. Frame returns the most recent frame; the
// returned image must not be modified by the caller.
type Source interface {
	Frame() (image.Image, bool)
	Close() error
}

// Opener acquires video sources.
type Opener interface {
	OpenCamera(ctx context.Context) (Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// Sender takes encoded images for the live session.
type Sender interface {
	SessionOpen() bool
	SendImageFrame(blob media.Blob) error
}

// Reporter receives user-facing status and error lines.
type Reporter interface {
	SetStatus(msg string)
	SetError(msg string)
}

// Config configures a Bridge.
type Config struct {
	// JPEGQuality in [1,100]. Zero means DefaultJPEGQuality.
	JPEGQuality int

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Bridge owns the video state: the live source and its mode. All methods are
// safe for concurrent use.
type Bridge struct {
	opener   Opener
	sender   Sender
	reporter Reporter
	quality  int
	metrics  *observe.Metrics

	mu   sync.Mutex
	src  Source
	mode Mode
}

// NewBridge returns a Bridge with no live source.
func NewBridge(opener Opener, sender Sender, reporter Reporter, cfg Config) *Bridge {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		opener:   opener,
		sender:   sender,
		reporter: reporter,
		quality:  cfg.JPEGQuality,
		metrics:  cfg.Metrics,
	}
}

// Mode returns the kind of the live source, or ModeOff.
func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// On reports whether a source is live.
func (b *Bridge) On() bool { return b.Mode() != ModeOff }

// StartCamera replaces any live source with the camera.
func (b *Bridge) StartCamera(ctx context.Context) error {
	return b.start(ctx, ModeCamera)
}

// StartScreenShare replaces any live source with a screen capture.
func (b *Bridge) StartScreenShare(ctx context.Context) error {
	return b.start(ctx, ModeScreen)
}

func (b *Bridge) start(ctx context.Context, mode Mode) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()

	var (
		src Source
		err error
	)
	switch mode {
	case ModeCamera:
		src, err = b.opener.OpenCamera(ctx)
	case ModeScreen:
		src, err = b.opener.OpenScreen(ctx)
	}
	if err != nil {
		b.metrics.RecordDeviceError(ctx, string(mode))
		slog.Error("video: opening source", "mode", mode, "err", err)
		if mode == ModeCamera {
			b.reporter.SetError("Camera error: " + err.Error())
		} else {
			b.reporter.SetError("Screen share error: " + err.Error())
		}
		return fmt.Errorf("video: start %s: %w", mode, err)
	}

	b.src = src
	b.mode = mode
	slog.Info("video: source started", "mode", mode)
	if mode == ModeCamera {
		b.reporter.SetStatus("Camera on")
	} else {
		b.reporter.SetStatus("Screen sharing on")
	}
	return nil
}

// StopVideo closes the live source. It is a no-op when video is off.
func (b *Bridge) StopVideo() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bridge) stopLocked() {
	if b.src == nil {
		return
	}
	if err := b.src.Close(); err != nil {
		slog.Warn("video: closing source", "mode", b.mode, "err", err)
	}
	b.src = nil
	b.mode = ModeOff
	b.reporter.SetStatus("Video off")
}

// CaptureAndSendFrame draws the latest frame of the live source, encodes it
// as JPEG and sends it to the session.
func (b *Bridge) CaptureAndSendFrame() error {
	b.mu.Lock()
	src := b.src
	b.mu.Unlock()

	if src == nil || !b.sender.SessionOpen() {
		b.reporter.SetStatus("Video is not on, cannot capture frame.")
		return ErrVideoOff
	}

	b.reporter.SetStatus("Capturing frame...")
	blob, err := b.snapshot(src)
	if err == nil {
		err = b.sender.SendImageFrame(blob)
	}
	if err != nil {
		slog.Error("video: capturing or sending frame", "err", err)
		b.reporter.SetError("Frame error: " + err.Error())
		return fmt.Errorf("video: capture frame: %w", err)
	}
	b.reporter.SetStatus("Frame sent to AI.")
	return nil
}

// snapshot copies the current frame to an off-screen RGBA surface at its
// native size and encodes it.
func (b *Bridge) snapshot(src Source) (media.Blob, error) {
	frame, ok := src.Frame()
	if !ok || frame == nil || frame.Bounds().Empty() {
		return media.Blob{}, ErrNoFrame
	}
	bounds := frame.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), frame, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: b.quality}); err != nil {
		return media.Blob{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return media.NewBlob(media.MIMEJPEG, buf.Bytes()), nil
}
