// Package media defines the transport-ready blob that carries encoded audio
// frames and still images to a live session.
package media

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// MIME types emitted by livetalk.
const (
	// MIMEJPEG is the MIME type of captured video stills.
	MIMEJPEG = "image/jpeg"

	// pcmPrefix is the prefix of every linear PCM MIME descriptor.
	pcmPrefix = "audio/pcm;rate="
)

// Blob is an encoded media payload ready for sendRealtimeInput: a MIME type
// and a base64 (standard alphabet, padded) payload.
type Blob struct {
	MIMEType string
	Data     string
}

// PCMType returns the MIME descriptor for 16-bit linear PCM at rate Hz,
// e.g. "audio/pcm;rate=16000".
func PCMType(rate int) string {
	return fmt.Sprintf("%s%d", pcmPrefix, rate)
}

// PCMRate parses the sample rate out of a PCM MIME descriptor. ok is false
// when mimeType is not a PCM descriptor.
func PCMRate(mimeType string) (rate int, ok bool) {
	rest, found := strings.CutPrefix(mimeType, pcmPrefix)
	if !found {
		return 0, false
	}
	if _, err := fmt.Sscanf(rest, "%d", &rate); err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// NewBlob base64-encodes data and wraps it with mimeType.
func NewBlob(mimeType string, data []byte) Blob {
	return Blob{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}
}

// Bytes decodes the blob payload.
func (b Blob) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(b.Data)
}
