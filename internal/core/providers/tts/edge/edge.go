package edge

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"tts-gateway/internal/core/audio"
	"tts-gateway/internal/core/providers/tts"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/logging"
)

const (
	providerID = "edge"
	// chunkMs slices the decoded utterance into ~100 ms chunks so the
	// pipeline streams at the same cadence as the mock provider.
	chunkMs = 100
)

func init() {
	tts.Register(providerID, func(options map[string]interface{}) (tts.Provider, error) {
		cfg := Config{}
		if v, ok := options["voice"].(string); ok {
			cfg.Voice = v
		}
		if v, ok := options["language"].(string); ok {
			cfg.Language = v
		}
		if v, ok := options["sample_rate"].(int); ok {
			cfg.SampleRate = v
		}
		var logger *logging.Logger
		if v, ok := options["logger"].(*logging.Logger); ok {
			logger = v
		}
		return NewProvider(cfg, logger)
	})
}

// Config holds the Edge TTS adapter settings.
type Config struct {
	Voice      string
	Language   string
	SampleRate int
}

// Provider adapts Microsoft Edge TTS. The service returns a complete MP3
// utterance; the adapter decodes it to the pcm16 base format and serves it as
// a lazy chunk stream. Provider-side latency is accepted.
type Provider struct {
	cfg    Config
	logger *logging.Logger
	voices []tts.Voice
}

func NewProvider(cfg Config, logger *logging.Logger) (*Provider, error) {
	if cfg.Voice == "" {
		cfg.Voice = "en-US-AriaNeural"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.SampleRate < 8000 || cfg.SampleRate > 48000 {
		return nil, fmt.Errorf("sample_rate must be between 8000 and 48000")
	}

	p := &Provider{
		cfg:    cfg,
		logger: logger,
	}
	p.voices = []tts.Voice{
		{
			ID:                 cfg.Voice,
			DisplayName:        "Edge Neural Voice",
			Language:           cfg.Language,
			NativeSampleRateHz: cfg.SampleRate,
			BaseFormat:         audio.FormatPCM16,
			ProviderID:         providerID,
		},
		{
			ID:                 "en-GB-SoniaNeural",
			DisplayName:        "Sonia",
			Language:           "en-GB",
			NativeSampleRateHz: cfg.SampleRate,
			BaseFormat:         audio.FormatPCM16,
			ProviderID:         providerID,
		},
	}
	return p, nil
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return p.voices, nil
}

// OpenStream synthesizes the utterance and hands the decoded PCM out as a
// chunk stream. Synthesis happens on the calling worker goroutine; the call
// blocks until Edge TTS responds.
func (p *Provider) OpenStream(ctx context.Context, req tts.SynthesisRequest) (tts.ChunkStream, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("text must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	voice := req.VoiceID
	if voice == "" {
		voice = p.cfg.Voice
	}

	communicate, err := edge_tts.NewCommunicate(req.Text, edge_tts.SetVoice(voice))
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindProvider, "open_stream",
			"create Edge TTS communicator", err)
	}

	mp3Data, err := communicate.Stream()
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindProvider, "open_stream",
			"Edge TTS synthesis failed", err)
	}

	pcm, rate, err := decodeMP3ToMonoPCM(mp3Data)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindProvider, "open_stream",
			"decode Edge TTS audio", err)
	}

	if p.logger != nil {
		p.logger.DebugTag("TTS", "edge synthesis produced %d PCM bytes at %d Hz", len(pcm), rate)
	}

	chunkSize := rate * 2 * chunkMs / 1000
	return &decodedStream{
		pcm:        pcm,
		chunkSize:  chunkSize,
		sampleRate: rate,
	}, nil
}

// decodeMP3ToMonoPCM decodes an MP3 buffer into mono 16-bit PCM at the
// decoder's native rate. go-mp3 always emits interleaved 16-bit stereo.
func decodeMP3ToMonoPCM(data []byte) ([]byte, int, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("open mp3 decoder: %w", err)
	}

	stereo, err := io.ReadAll(decoder)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	return audio.DownmixStereoToMono(stereo), decoder.SampleRate(), nil
}

// decodedStream serves decoded PCM as a lazy chunk sequence.
type decodedStream struct {
	pcm        []byte
	chunkSize  int
	sampleRate int
	offset     int
	closed     bool
}

func (s *decodedStream) Next(ctx context.Context) (audio.Chunk, error) {
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

func (s *decodedStream) Close() error {
	s.closed = true
	return nil
}
