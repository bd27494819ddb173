package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive sample rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable description, e.g. "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Buffer is a block of decoded, playable audio. Samples are normalised to
// [-1, 1] and stored planar: Data[c][i] is sample i of channel c. All channels
// have the same length.
type Buffer struct {
	// SampleRate in Hz (e.g., 24000 for model replies, 16000 for capture).
	SampleRate int

	// Data holds one slice per channel.
	Data [][]float32
}

// NewBuffer allocates a silent buffer of frames samples per channel.
func NewBuffer(f Format, frames int) *Buffer {
	data := make([][]float32, f.Channels)
	for c := range data {
		data[c] = make([]float32, frames)
	}
	return &Buffer{SampleRate: f.SampleRate, Data: data}
}

// Channels returns the number of channels in b.
func (b *Buffer) Channels() int { return len(b.Data) }

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Format returns the sample rate and channel count of b.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels()}
}

// Duration returns the playback length of b. A buffer without a valid sample
// rate has zero duration.
func (b *Buffer) Duration() time.Duration {
	return FramesToDuration(b.Frames(), b.SampleRate)
}

// MonoAt returns the average of all channels at frame i.
func (b *Buffer) MonoAt(i int) float32 {
	switch len(b.Data) {
	case 0:
		return 0
	case 1:
		return b.Data[0][i]
	}
	var sum float32
	for _, ch := range b.Data {
		sum += ch[i]
	}
	return sum / float32(len(b.Data))
}

// FramesToDuration converts a frame count at rate Hz into a duration.
func FramesToDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// DurationToFrames converts d into a frame index at rate Hz, rounding to the
// nearest frame.
func DurationToFrames(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
