package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tts-gateway/internal/core/audio"
	"tts-gateway/internal/core/breaker"
	"tts-gateway/internal/core/providers/tts"
	"tts-gateway/internal/core/session"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/observability"
)

// recordedFrame captures one transport send for assertions.
type recordedFrame struct {
	kind    string
	seq     uint32
	payload []byte
	code    int
	message string
}

// fakeTransport records every frame the pipeline sends.
type fakeTransport struct {
	mu            sync.Mutex
	frames        []recordedFrame
	failSendAfter int // fail audio sends after this many succeeded; 0 = never
	sent          int
	closed        bool
	closeCode     int
	done          chan struct{}
	doneOnce      sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (t *fakeTransport) SendAudio(seq uint32, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSendAfter > 0 && t.sent >= t.failSendAfter {
		t.doneOnce.Do(func() { close(t.done) })
		return errors.New("broken pipe")
	}
	t.sent++
	t.frames = append(t.frames, recordedFrame{kind: "audio", seq: seq, payload: payload})
	return nil
}

func (t *fakeTransport) SendEos() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, recordedFrame{kind: "eos"})
	return nil
}

func (t *fakeTransport) SendError(code int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, recordedFrame{kind: "error", code: code, message: message})
	return nil
}

func (t *fakeTransport) CloseWithCode(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *fakeTransport) Done() <-chan struct{} {
	return t.done
}

func (t *fakeTransport) recorded() []recordedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]recordedFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// scriptedProvider fails a configurable number of opens, then serves a fixed
// number of pcm chunks, optionally erroring mid-stream.
type scriptedProvider struct {
	id          string
	openErrs    int
	chunks      int
	failAtChunk int // 1-based pull index that errors; 0 = never
	opens       int
	mu          sync.Mutex
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return []tts.Voice{{
		ID:                 p.id + "-voice",
		DisplayName:        "Scripted",
		Language:           "en-US",
		NativeSampleRateHz: 16000,
		BaseFormat:         audio.FormatPCM16,
		ProviderID:         p.id,
	}}, nil
}

func (p *scriptedProvider) OpenStream(ctx context.Context, req tts.SynthesisRequest) (tts.ChunkStream, error) {
	p.mu.Lock()
	p.opens++
	opens := p.opens
	p.mu.Unlock()
	if opens <= p.openErrs {
		return nil, fmt.Errorf("synthesis backend unavailable")
	}
	return &scriptedStream{provider: p}, nil
}

func (p *scriptedProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type scriptedStream struct {
	provider *scriptedProvider
	pulled   int
}

func (s *scriptedStream) Next(ctx context.Context) (audio.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return audio.Chunk{}, err
	}
	s.pulled++
	if s.provider.failAtChunk > 0 && s.pulled == s.provider.failAtChunk {
		return audio.Chunk{}, fmt.Errorf("backend dropped the stream")
	}
	if s.pulled > s.provider.chunks {
		return audio.Chunk{}, io.EOF
	}
	return audio.Chunk{
		Data:         make([]byte, 640),
		Format:       audio.FormatPCM16,
		SampleRateHz: 16000,
		Channels:     1,
	}, nil
}

func (s *scriptedStream) Close() error { return nil }

type testEnv struct {
	service  *TTSService
	store    *session.Store
	registry *tts.Registry
	breakers *breaker.Registry
	metrics  *observability.Metrics
}

func newTestEnv(t *testing.T, providers ...tts.Provider) *testEnv {
	t.Helper()

	registry := tts.NewRegistry()
	registry.Add(tts.NewMockToneProvider(16000))
	for _, p := range providers {
		registry.Add(p)
	}

	store := session.NewStore(100)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  3,
		ResetTimeout:      50 * time.Millisecond,
		HalfOpenMaxTrials: 1,
	})
	metrics := observability.New(prometheus.NewRegistry())
	transcoder := audio.NewTranscoder("ffmpeg", nil)

	service := NewTTSService(registry, store, breakers, transcoder, metrics, nil,
		PipelineConfig{
			ChunkPullTimeout: time.Second,
			MaxAttempts:      3,
			RetryBackoffBase: time.Millisecond,
		}, false)

	return &testEnv{
		service:  service,
		store:    store,
		registry: registry,
		breakers: breakers,
		metrics:  metrics,
	}
}

func (e *testEnv) createSession(t *testing.T, provider, voice string) session.Session {
	t.Helper()
	sess, err := e.service.CreateSession(context.Background(), CreateSessionRequest{
		Provider:     provider,
		Voice:        voice,
		Text:         "hi",
		TargetFormat: "pcm16",
		SampleRateHz: 16000,
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSession_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  CreateSessionRequest
		kind platformerrors.Kind
	}{
		{
			name: "empty text",
			req: CreateSessionRequest{
				Provider: "mock_tone", Voice: "en-US-mock-1",
				Text: "   ", TargetFormat: "pcm16", SampleRateHz: 16000,
			},
			kind: platformerrors.KindValidation,
		},
		{
			name: "unknown provider",
			req: CreateSessionRequest{
				Provider: "nope", Voice: "en-US-mock-1",
				Text: "hi", TargetFormat: "pcm16", SampleRateHz: 16000,
			},
			kind: platformerrors.KindNotFound,
		},
		{
			name: "unknown voice",
			req: CreateSessionRequest{
				Provider: "mock_tone", Voice: "nope",
				Text: "hi", TargetFormat: "pcm16", SampleRateHz: 16000,
			},
			kind: platformerrors.KindNotFound,
		},
		{
			name: "bad format",
			req: CreateSessionRequest{
				Provider: "mock_tone", Voice: "en-US-mock-1",
				Text: "hi", TargetFormat: "flac", SampleRateHz: 16000,
			},
			kind: platformerrors.KindValidation,
		},
		{
			name: "zero sample rate",
			req: CreateSessionRequest{
				Provider: "mock_tone", Voice: "en-US-mock-1",
				Text: "hi", TargetFormat: "pcm16", SampleRateHz: 0,
			},
			kind: platformerrors.KindValidation,
		},
		{
			name: "sample rate too high",
			req: CreateSessionRequest{
				Provider: "mock_tone", Voice: "en-US-mock-1",
				Text: "hi", TargetFormat: "pcm16", SampleRateHz: 200000,
			},
			kind: platformerrors.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.CreateSession(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, platformerrors.IsKind(err, tt.kind),
				"expected kind %s, got %v", tt.kind, err)
		})
	}
}

func TestCreateSession_Success(t *testing.T) {
	env := newTestEnv(t)

	sess := env.createSession(t, "mock_tone", "en-US-mock-1")

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusPending, sess.Status)

	stored, ok := env.store.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "hi", stored.Text)
}

func TestCreateSession_StrictVoiceOwnership(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{id: "scripted", chunks: 2})
	strict := NewTTSService(env.registry, env.store, env.breakers,
		audio.NewTranscoder("ffmpeg", nil), env.metrics, nil, PipelineConfig{}, true)

	// Voice exists in the catalog but belongs to mock_tone.
	_, err := strict.CreateSession(context.Background(), CreateSessionRequest{
		Provider: "scripted", Voice: "en-US-mock-1",
		Text: "hi", TargetFormat: "pcm16", SampleRateHz: 16000,
	})

	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindValidation))
}

func TestStream_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "mock_tone", "en-US-mock-1")
	transport := newFakeTransport()

	env.service.Stream(context.Background(), sess.ID, transport)

	frames := transport.recorded()
	require.GreaterOrEqual(t, len(frames), 2)

	// Audio(1..k) followed by exactly one eos: no gaps, no reordering.
	for i, f := range frames[:len(frames)-1] {
		assert.Equal(t, "audio", f.kind)
		assert.Equal(t, uint32(i+1), f.seq)
		assert.NotEmpty(t, f.payload)
	}
	assert.Equal(t, "eos", frames[len(frames)-1].kind)

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusCompleted, stored.Status)
}

func TestStream_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	transport := newFakeTransport()

	env.service.Stream(context.Background(), "missing", transport)

	frames := transport.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].kind)
	assert.Equal(t, 400, frames[0].code)
}

func TestStream_ExactlyOneTerminalFrame(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", chunks: 2, failAtChunk: 2}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()

	env.service.Stream(context.Background(), sess.ID, transport)

	frames := transport.recorded()
	terminals := 0
	for _, f := range frames {
		if f.kind == "eos" || f.kind == "error" {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestStream_RetriesBeforeFirstByte(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", openErrs: 2, chunks: 2}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()

	env.service.Stream(context.Background(), sess.ID, transport)

	assert.Equal(t, 3, provider.openCount())
	frames := transport.recorded()
	require.NotEmpty(t, frames)
	assert.Equal(t, "eos", frames[len(frames)-1].kind)

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusCompleted, stored.Status)
}

func TestStream_ExhaustedRetriesFail(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", openErrs: 10}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()

	env.service.Stream(context.Background(), sess.ID, transport)

	assert.Equal(t, 3, provider.openCount())
	frames := transport.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].kind)
	assert.Equal(t, 502, frames[0].code)

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusFailed, stored.Status)
}

func TestStream_MidStreamFailureDoesNotRetry(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", chunks: 5, failAtChunk: 3}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()

	env.service.Stream(context.Background(), sess.ID, transport)

	// One open only: audio reached the client, so no retry.
	assert.Equal(t, 1, provider.openCount())

	frames := transport.recorded()
	require.GreaterOrEqual(t, len(frames), 3)
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.kind)
	assert.Equal(t, 502, last.code)
	assert.Equal(t, "provider_mid_stream", last.message)

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusFailed, stored.Status)
}

func TestStream_ClientCancelMidStream(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", chunks: 10}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()
	transport.failSendAfter = 2

	env.service.Stream(context.Background(), sess.ID, transport)

	frames := transport.recorded()
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1), frames[0].seq)
	assert.Equal(t, uint32(2), frames[1].seq)
	// No terminal frame after a client disconnect.
	for _, f := range frames {
		assert.Equal(t, "audio", f.kind)
	}

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusCancelled, stored.Status)
}

func TestStream_BreakerTripsAndRecovers(t *testing.T) {
	provider := &scriptedProvider{id: "flaky", openErrs: 1000}
	env := newTestEnv(t, provider)

	// Three failed sessions trip the breaker (threshold 3).
	for i := 0; i < 3; i++ {
		sess := env.createSession(t, "flaky", "flaky-voice")
		env.service.Stream(context.Background(), sess.ID, newFakeTransport())
	}
	require.Equal(t, breaker.StateOpen, env.breakers.State("flaky"))

	// The next stream is rejected up front with provider_unavailable.
	sess := env.createSession(t, "flaky", "flaky-voice")
	transport := newFakeTransport()
	env.service.Stream(context.Background(), sess.ID, transport)

	frames := transport.recorded()
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].kind)
	assert.Equal(t, 503, frames[0].code)
	assert.Equal(t, "provider_unavailable", frames[0].message)

	// After the reset timeout a healthy synthesis closes the breaker.
	provider.mu.Lock()
	provider.openErrs = 0
	provider.opens = 0
	provider.chunks = 1
	provider.mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	sess = env.createSession(t, "flaky", "flaky-voice")
	transport = newFakeTransport()
	env.service.Stream(context.Background(), sess.ID, transport)

	frames = transport.recorded()
	require.NotEmpty(t, frames)
	assert.Equal(t, "eos", frames[len(frames)-1].kind)
	assert.Equal(t, breaker.StateClosed, env.breakers.State("flaky"))
}

func TestStream_ShutdownSendsTryAgainLater(t *testing.T) {
	provider := &scriptedProvider{id: "scripted", chunks: 100}
	env := newTestEnv(t, provider)
	sess := env.createSession(t, "scripted", "scripted-voice")
	transport := newFakeTransport()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)

	env.service.Stream(ctx, sess.ID, transport)

	frames := transport.recorded()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.kind)
	assert.Equal(t, 503, last.code)
	assert.Equal(t, "shutting_down", last.message)

	stored, _ := env.store.Get(sess.ID)
	assert.Equal(t, session.StatusFailed, stored.Status)
	assert.Equal(t, "shutdown", stored.FailureReason)
}

func TestSynthesizeFile(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "mock_tone", "en-US-mock-1")
	env.service.Stream(context.Background(), sess.ID, newFakeTransport())

	data, err := env.service.SynthesizeFile(context.Background(), sess.ID)

	require.NoError(t, err)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}

func TestSynthesizeFile_RequiresCompletedSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, "mock_tone", "en-US-mock-1")

	_, err := env.service.SynthesizeFile(context.Background(), sess.ID)
	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindValidation))

	_, err = env.service.SynthesizeFile(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, platformerrors.IsKind(err, platformerrors.KindNotFound))
}
