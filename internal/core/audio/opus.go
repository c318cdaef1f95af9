package audio

import (
	"encoding/binary"
	"fmt"

	opus "github.com/qrtc/opus-go"
)

// opusFrameMs is the frame duration fed to the encoder. 60 ms keeps packet
// overhead low for speech.
const opusFrameMs = 60

var opusSampleRates = map[int]bool{
	8000:  true,
	12000: true,
	16000: true,
	24000: true,
	48000: true,
}

// PCMToOpusData encodes mono or stereo 16-bit PCM into opus packets. The
// trailing partial frame is zero-padded.
func PCMToOpusData(pcmData []byte, sampleRate int, channels int) ([][]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty pcm data")
	}
	if !opusSampleRates[sampleRate] {
		return nil, fmt.Errorf("unsupported opus sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	bytesPerFrame := sampleRate * opusFrameMs / 1000 * channels * 2
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("pcm length %d is not sample aligned", len(pcmData))
	}

	encoder, err := opus.CreateOpusEncoder(&opus.OpusEncoderConfig{
		SampleRate:  sampleRate,
		MaxChannels: channels,
		Application: opus.AppVoIP,
	})
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	defer encoder.Close()

	var packets [][]byte
	buf := make([]byte, 4000)
	for offset := 0; offset < len(pcmData); offset += bytesPerFrame {
		end := offset + bytesPerFrame
		frame := make([]byte, bytesPerFrame)
		if end > len(pcmData) {
			copy(frame, pcmData[offset:])
		} else {
			copy(frame, pcmData[offset:end])
		}

		n, err := encoder.Encode(frame, buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		packets = append(packets, packet)
	}
	return packets, nil
}

// PackOpusPackets joins opus packets into one payload, each packet preceded
// by a big-endian uint16 length. Clients split on the prefixes.
func PackOpusPackets(packets [][]byte) []byte {
	size := 0
	for _, p := range packets {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	var prefix [2]byte
	for _, p := range packets {
		binary.BigEndian.PutUint16(prefix[:], uint16(len(p)))
		out = append(out, prefix[:]...)
		out = append(out, p...)
	}
	return out
}
