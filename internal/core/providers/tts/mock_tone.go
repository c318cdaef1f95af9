package tts

import (
	"context"
	"fmt"
	"io"
	"math"

	"tts-gateway/internal/core/audio"
)

const (
	mockToneBaseFreq  = 220.0
	mockToneGain      = 0.2
	mockToneCharMs    = 80.0
	mockToneGapMs     = 20.0
	mockToneChunkMs   = 100
	mockToneProviderID = "mock_tone"
)

func init() {
	Register(mockToneProviderID, func(options map[string]interface{}) (Provider, error) {
		sampleRate := 16000
		if v, ok := options["sample_rate"].(int); ok && v > 0 {
			sampleRate = v
		}
		return NewMockToneProvider(sampleRate), nil
	})
}

// MockToneProvider encodes text as a sequence of tones, one pitch per
// character. It exists for end-to-end testing without a real synthesis
// backend.
type MockToneProvider struct {
	sampleRate int
	voices     []Voice
}

func NewMockToneProvider(sampleRate int) *MockToneProvider {
	return &MockToneProvider{
		sampleRate: sampleRate,
		voices: []Voice{
			{
				ID:                 "en-US-mock-1",
				DisplayName:        "Mock Tone Voice",
				Language:           "en-US",
				NativeSampleRateHz: sampleRate,
				BaseFormat:         audio.FormatPCM16,
				ProviderID:         mockToneProviderID,
			},
		},
	}
}

func (p *MockToneProvider) ID() string {
	return mockToneProviderID
}

func (p *MockToneProvider) ListVoices(ctx context.Context) ([]Voice, error) {
	return p.voices, nil
}

// OpenStream synthesizes the whole utterance up front; the chunk stream then
// serves it lazily in ~100 ms slices.
func (p *MockToneProvider) OpenStream(ctx context.Context, req SynthesisRequest) (ChunkStream, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("text must not be empty")
	}

	var samples []float64
	for _, ch := range req.Text {
		semitone := float64(int(ch)%24 - 12)
		freq := mockToneBaseFreq * math.Exp2(semitone/12.0)
		samples = append(samples, audio.Tone(freq, mockToneCharMs/1000.0, p.sampleRate, mockToneGain)...)
		samples = append(samples, audio.Silence(mockToneGapMs/1000.0, p.sampleRate)...)
	}
	pcm := audio.PCM16LEFromFloats(samples)

	chunkSize := p.sampleRate * 2 * mockToneChunkMs / 1000
	if chunkSize <= 0 {
		chunkSize = 1024
	}

	return &pcmChunkStream{
		pcm:        pcm,
		chunkSize:  chunkSize,
		sampleRate: p.sampleRate,
	}, nil
}

// pcmChunkStream serves a pre-rendered PCM buffer as a lazy chunk sequence.
type pcmChunkStream struct {
	pcm        []byte
	chunkSize  int
	sampleRate int
	offset     int
	closed     bool
}

func (s *pcmChunkStream) Next(ctx context.Context) (audio.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return audio.Chunk{}, err
	}
	if s.closed || s.offset >= len(s.pcm) {
		return audio.Chunk{}, io.EOF
	}

	end := s.offset + s.chunkSize
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	chunk := audio.Chunk{
		Data:         s.pcm[s.offset:end],
		Format:       audio.FormatPCM16,
		SampleRateHz: s.sampleRate,
		Channels:     1,
	}
	s.offset = end
	return chunk, nil
}

func (s *pcmChunkStream) Close() error {
	s.closed = true
	return nil
}
