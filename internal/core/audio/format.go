package audio

import (
	"fmt"
)

// Format identifies an audio encoding on the wire.
type Format string

const (
	FormatPCM16 Format = "pcm16"
	FormatMulaw Format = "mulaw"
	FormatOpus  Format = "opus"
	FormatMP3   Format = "mp3"
	FormatWAV   Format = "wav"
)

// SupportedFormats lists every target encoding reachable from the pcm16 base.
func SupportedFormats() []Format {
	return []Format{FormatPCM16, FormatMulaw, FormatOpus, FormatMP3, FormatWAV}
}

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPCM16, FormatMulaw, FormatOpus, FormatMP3, FormatWAV:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported audio format %q", s)
}

// Chunk is a small immutable buffer of audio produced by a provider. The
// pipeline consumes each chunk at most once.
type Chunk struct {
	Data         []byte
	Format       Format
	SampleRateHz int
	Channels     int
}
