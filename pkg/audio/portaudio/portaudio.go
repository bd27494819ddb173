// Package portaudio implements the physical audio devices on top of
// PortAudio: a callback-driven microphone, a speaker rendering an
// [audio.Timeline], and device enumeration.
//
// [Initialize] must be called before any device is opened and its returned
// function once all devices are closed.
package portaudio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Initialize prepares the PortAudio host APIs. The returned function
// terminates them.
func Initialize() (terminate func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, mapError("initialize", err)
	}
	return portaudio.Terminate, nil
}

// DeviceInfo describes one audio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Devices lists every device known to PortAudio.
func Devices() ([]DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, mapError("list devices", err)
	}
	in, _ := portaudio.DefaultInputDevice()
	out, _ := portaudio.DefaultOutputDevice()

	infos := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      in != nil && in.Index == d.Index,
			DefaultOutput:     out != nil && out.Index == d.Index,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// mapError classifies a PortAudio error as one of the audio device
// sentinels and wraps it with op.
func mapError(op string, err error) error {
	var sentinel error
	var hostErr portaudio.UnanticipatedHostError
	switch {
	case errors.Is(err, portaudio.NoDefaultInputDevice),
		errors.Is(err, portaudio.NoDefaultOutputDevice),
		errors.Is(err, portaudio.InvalidDevice):
		sentinel = audio.ErrNoDevice
	case errors.As(err, &hostErr) && deniedText(hostErr.Text):
		sentinel = audio.ErrPermissionDenied
	default:
		sentinel = audio.ErrDevice
	}
	return fmt.Errorf("portaudio: %s: %w: %w", op, sentinel, err)
}

func deniedText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "permission") ||
		strings.Contains(s, "denied") ||
		strings.Contains(s, "not authorized")
}
