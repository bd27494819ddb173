// Package pcm converts between normalised float audio samples and the
// little-endian 16-bit linear PCM encoding used on the wire by live sessions.
//
// Outbound frames go through [Encode]; inbound chunks go through [Decode]
// followed by [DecodeAudioData].
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/media"
)

// DefaultInputRate is the sample rate of captured microphone frames.
const DefaultInputRate = 16000

// scale maps the normalised float range onto int16.
const scale = 32768

var (
	// ErrDecode is returned when an inbound payload is not valid base64.
	ErrDecode = errors.New("pcm: malformed payload")

	// ErrFormat is returned when PCM bytes cannot be split into whole
	// samples for the requested channel count.
	ErrFormat = errors.New("pcm: invalid sample layout")
)

// Encode converts samples captured at [DefaultInputRate] into a PCM blob.
func Encode(samples []float32) media.Blob {
	return EncodeRate(samples, DefaultInputRate)
}

// EncodeRate multiplies each sample by 32768, clamps to the int16 range, packs
// the result little-endian, and wraps it with an "audio/pcm;rate=N" descriptor.
// NaN is encoded as silence; ±Inf clamps to full scale.
func EncodeRate(samples []float32, rate int) media.Blob {
	return media.NewBlob(media.PCMType(rate), Int16Bytes(samples))
}

// Int16Bytes packs samples as little-endian int16 without transport encoding.
func Int16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

func toInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v *= scale
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Decode reverses the transport encoding of an inbound payload.
func Decode(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return data, nil
}

// DecodeAudioData reinterprets data as little-endian int16 samples, divides
// each by 32768, and deinterleaves them round-robin into channels. The length
// of data must be a multiple of 2*channels.
func DecodeAudioData(data []byte, sampleRate, channels int) (*audio.Buffer, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %d Hz", ErrFormat, channels, sampleRate)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrFormat, len(data), 2*channels)
	}

	frames := len(data) / (2 * channels)
	buf := audio.NewBuffer(audio.Format{SampleRate: sampleRate, Channels: channels}, frames)
	for i := range frames * channels {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		buf.Data[i%channels][i/channels] = float32(s) / scale
	}
	return buf, nil
}
