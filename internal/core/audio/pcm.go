package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Tone generates durS seconds of a sine wave at freq Hz as float samples in
// [-gain, gain].
func Tone(freq, durS float64, sampleRate int, gain float64) []float64 {
	n := int(durS * float64(sampleRate))
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = gain * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
	}
	return samples
}

// Silence generates durS seconds of zero samples.
func Silence(durS float64, sampleRate int) []float64 {
	return make([]float64, int(durS*float64(sampleRate)))
}

// PCM16LEFromFloats converts float samples in [-1, 1] to 16-bit little-endian
// PCM, clamping out-of-range values.
func PCM16LEFromFloats(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// ResamplePCM16 converts mono 16-bit PCM between sample rates using linear
// interpolation. Quality is adequate for speech; the gateway does not claim
// hi-fi resampling.
func ResamplePCM16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", srcRate, dstRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample aligned", len(pcm))
	}
	if srcRate == dstRate {
		return pcm, nil
	}

	srcLen := len(pcm) / 2
	if srcLen == 0 {
		return []byte{}, nil
	}
	dstLen := int(int64(srcLen) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		dstLen = 1
	}

	out := make([]byte, dstLen*2)
	ratio := float64(srcLen-1) / float64(dstLen)
	for i := 0; i < dstLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < srcLen {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}

// DownmixStereoToMono averages interleaved 16-bit stereo frames into mono.
func DownmixStereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((int(l)+int(r))/2)))
	}
	return out
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw compresses mono 16-bit PCM to 8-bit G.711 µ-law.
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample aligned", len(pcm))
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = mulawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

func mulawEncodeSample(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | (exponent << 4) | mantissa)
}

// WriteWavHeader writes a 44-byte RIFF header for 16-bit PCM data of the
// given byte length. Used by the session file endpoint; the streaming path
// never emits containers.
func WriteWavHeader(w io.Writer, dataLen, sampleRate, channels, bitsPerSample int) error {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	_, err := w.Write(header[:])
	return err
}
