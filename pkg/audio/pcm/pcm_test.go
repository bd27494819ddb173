package pcm_test

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/livetalk/pkg/audio/pcm"
	"github.com/MrWong99/livetalk/pkg/media"
)

func TestEncode_MIMEAndLength(t *testing.T) {
	t.Parallel()

	blob := pcm.Encode(make([]float32, 256))
	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", blob.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if len(raw) != 512 {
		t.Errorf("payload length = %d, want 512", len(raw))
	}
}

func TestEncode_Clamping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale clamps", 1.0, math.MaxInt16},
		{"over range clamps", 2.5, math.MaxInt16},
		{"negative full scale", -1.0, math.MinInt16},
		{"under range clamps", -3, math.MinInt16},
		{"half", 0.5, 16384},
		{"nan is silence", float32(math.NaN()), 0},
		{"inf clamps", float32(math.Inf(1)), math.MaxInt16},
		{"negative inf clamps", float32(math.Inf(-1)), math.MinInt16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := pcm.Int16Bytes([]float32{tc.in})
			got := int16(uint16(raw[0]) | uint16(raw[1])<<8)
			if got != tc.want {
				t.Errorf("encoded %v = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) * 0.05))
	}

	blob := pcm.EncodeRate(samples, 24000)
	if rate, ok := media.PCMRate(blob.MIMEType); !ok || rate != 24000 {
		t.Fatalf("MIMEType = %q", blob.MIMEType)
	}

	raw, err := pcm.Decode(blob.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	buf, err := pcm.DecodeAudioData(raw, 24000, 1)
	if err != nil {
		t.Fatalf("DecodeAudioData: %v", err)
	}
	if buf.Frames() != len(samples) {
		t.Fatalf("Frames() = %d, want %d", buf.Frames(), len(samples))
	}
	const bound = 1.0 / 32768
	for i, want := range samples {
		if diff := math.Abs(float64(buf.Data[0][i] - want)); diff > bound {
			t.Fatalf("sample %d: got %v, want %v (diff %v > %v)", i, buf.Data[0][i], want, diff, bound)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	_, err := pcm.Decode("not base64!!")
	if !errors.Is(err, pcm.ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestDecodeAudioData_Deinterleave(t *testing.T) {
	t.Parallel()

	// Interleaved L/R: L0=16384, R0=-16384, L1=0, R1=8192.
	raw := pcm.Int16Bytes([]float32{0.5, -0.5, 0, 0.25})
	buf, err := pcm.DecodeAudioData(raw, 24000, 2)
	if err != nil {
		t.Fatalf("DecodeAudioData: %v", err)
	}
	if buf.Channels() != 2 || buf.Frames() != 2 {
		t.Fatalf("layout = %d channels x %d frames, want 2x2", buf.Channels(), buf.Frames())
	}
	want := [][]float32{{0.5, 0}, {-0.5, 0.25}}
	for c := range want {
		for i := range want[c] {
			if buf.Data[c][i] != want[c][i] {
				t.Errorf("Data[%d][%d] = %v, want %v", c, i, buf.Data[c][i], want[c][i])
			}
		}
	}
}

func TestDecodeAudioData_Alignment(t *testing.T) {
	t.Parallel()

	for channels := 1; channels <= 3; channels++ {
		for n := 0; n <= 24; n++ {
			_, err := pcm.DecodeAudioData(make([]byte, n), 24000, channels)
			aligned := n%(2*channels) == 0
			switch {
			case aligned && err != nil:
				t.Errorf("len %d, %d channels: unexpected error %v", n, channels, err)
			case !aligned && !errors.Is(err, pcm.ErrFormat):
				t.Errorf("len %d, %d channels: err = %v, want ErrFormat", n, channels, err)
			}
		}
	}
}

func TestDecodeAudioData_InvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := pcm.DecodeAudioData([]byte{0, 0}, 24000, 0); !errors.Is(err, pcm.ErrFormat) {
		t.Errorf("zero channels: err = %v, want ErrFormat", err)
	}
	if _, err := pcm.DecodeAudioData([]byte{0, 0}, 0, 1); !errors.Is(err, pcm.ErrFormat) {
		t.Errorf("zero rate: err = %v, want ErrFormat", err)
	}
}
