package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"tts-gateway/internal/core/audio"
	"tts-gateway/internal/core/breaker"
	"tts-gateway/internal/core/providers/tts"
	"tts-gateway/internal/core/session"
	"tts-gateway/internal/domain/eventbus"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/logging"
	"tts-gateway/internal/platform/observability"
)

// errClientGone is the cancellation cause used when the peer disconnects.
var errClientGone = errors.New("client disconnected")

const maxSampleRateHz = 192000

// PipelineConfig tunes the per-session streaming pipeline.
type PipelineConfig struct {
	// ChunkPullTimeout bounds each "pull next chunk" operation.
	ChunkPullTimeout time.Duration

	// MaxAttempts is the total number of provider open attempts while no
	// audio has been sent yet.
	MaxAttempts int

	// RetryBackoffBase is the first retry delay; attempts back off
	// exponentially from it.
	RetryBackoffBase time.Duration
}

func (c *PipelineConfig) normalize() {
	if c.ChunkPullTimeout <= 0 {
		c.ChunkPullTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 200 * time.Millisecond
	}
}

// CreateSessionRequest is the admission request body after transport decode.
type CreateSessionRequest struct {
	Provider     string
	Voice        string
	Text         string
	Language     string
	TargetFormat string
	SampleRateHz int
}

// TTSService orchestrates session creation and drives per-session streaming
// pipelines.
type TTSService struct {
	registry   *tts.Registry
	store      *session.Store
	breakers   *breaker.Registry
	transcoder *audio.Transcoder
	metrics    *observability.Metrics
	logger     *logging.Logger
	pipeline   PipelineConfig

	// strictVoiceOwnership additionally requires the voice to belong to the
	// requested provider.
	strictVoiceOwnership bool
}

func NewTTSService(
	registry *tts.Registry,
	store *session.Store,
	breakers *breaker.Registry,
	transcoder *audio.Transcoder,
	metrics *observability.Metrics,
	logger *logging.Logger,
	pipeline PipelineConfig,
	strictVoiceOwnership bool,
) *TTSService {
	pipeline.normalize()
	return &TTSService{
		registry:             registry,
		store:                store,
		breakers:             breakers,
		transcoder:           transcoder,
		metrics:              metrics,
		logger:               logger,
		pipeline:             pipeline,
		strictVoiceOwnership: strictVoiceOwnership,
	}
}

// CreateSession validates an admission request and persists a pending
// session.
func (s *TTSService) CreateSession(ctx context.Context, req CreateSessionRequest) (session.Session, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return session.Session{}, platformerrors.New(platformerrors.KindValidation,
			"create_session", "text must not be empty")
	}

	if _, err := s.registry.Get(req.Provider); err != nil {
		return session.Session{}, err
	}

	voice, found, err := s.registry.FindVoice(ctx, req.Voice)
	if err != nil {
		return session.Session{}, err
	}
	if !found {
		return session.Session{}, platformerrors.New(platformerrors.KindNotFound,
			"create_session", fmt.Sprintf("unknown voice %q", req.Voice))
	}
	if s.strictVoiceOwnership && voice.ProviderID != req.Provider {
		return session.Session{}, platformerrors.New(platformerrors.KindValidation,
			"create_session",
			fmt.Sprintf("voice %q belongs to provider %q", req.Voice, voice.ProviderID))
	}

	format, err := audio.ParseFormat(req.TargetFormat)
	if err != nil {
		return session.Session{}, platformerrors.Wrap(platformerrors.KindValidation,
			"create_session", "invalid target format", err)
	}
	if req.SampleRateHz <= 0 || req.SampleRateHz > maxSampleRateHz {
		return session.Session{}, platformerrors.New(platformerrors.KindValidation,
			"create_session",
			fmt.Sprintf("sample_rate_hz must be in (0, %d]", maxSampleRateHz))
	}

	sess := session.Session{
		ID:                 uuid.NewString(),
		ProviderID:         req.Provider,
		VoiceID:            req.Voice,
		Language:           req.Language,
		Text:               text,
		TargetFormat:       format,
		TargetSampleRateHz: req.SampleRateHz,
		Status:             session.StatusPending,
		CreatedAt:          time.Now(),
	}
	if err := s.store.Insert(&sess); err != nil {
		return session.Session{}, err
	}

	eventbus.Publish(eventbus.EventSessionCreated, eventbus.SessionEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
		VoiceID:    sess.VoiceID,
	})
	return sess, nil
}

// Stream drives one session's pipeline to a terminal state. It owns every
// terminal frame and status transition and closes the transport on every
// exit path; a further close by the caller is a no-op.
func (s *TTSService) Stream(ctx context.Context, sessionID string, transport StreamTransport) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		_ = transport.SendError(400, "unknown session")
		_ = transport.CloseWithCode(4400, "unknown session")
		return
	}

	if err := s.store.UpdateStatus(sessionID, session.StatusStreaming, ""); err != nil {
		_ = transport.SendError(500, "internal error")
		_ = transport.CloseWithCode(1011, "internal error")
		return
	}
	eventbus.Publish(eventbus.EventSessionStreaming, eventbus.SessionEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
	})

	provider, err := s.registry.Get(sess.ProviderID)
	if err != nil {
		s.fail(sess, transport, 500, "internal error", 1011, "provider_missing")
		return
	}

	lease, err := s.breakers.Permit(sess.ProviderID)
	if err != nil {
		s.fail(sess, transport, 503, "provider_unavailable", 1013, "provider_unavailable")
		return
	}

	s.runPipeline(ctx, sess, provider, lease, transport)
}

// runPipeline executes the chunk loop. Strictly sequential: one outstanding
// pull, one transcode, one send at a time.
func (s *TTSService) runPipeline(ctx context.Context, sess session.Session, provider tts.Provider, lease *breaker.Lease, transport StreamTransport) {
	stream, firstChunk, err := s.openWithRetry(ctx, sess, provider)
	if err != nil {
		if ctx.Err() != nil {
			lease.Success()
			s.cancelOrShutdown(ctx, sess, transport)
			return
		}
		lease.Failure()
		s.recordProviderFailure(sess, "open_stream", err)
		s.fail(sess, transport, 502, "provider_error", 1011, "provider_error")
		return
	}
	defer stream.Close()

	chunk := firstChunk
	var seq uint32 = 1
	for {
		// Checkpoint between pull and transcode.
		if ctx.Err() != nil {
			lease.Success()
			s.cancelOrShutdown(ctx, sess, transport)
			return
		}

		payload, err := s.transcoder.Transcode(ctx, chunk, sess.TargetFormat, sess.TargetSampleRateHz)
		if err != nil {
			// The provider is not at fault for a transcoding defect.
			lease.Success()
			s.recordPipelineError(sess, "transcode", err)
			s.fail(sess, transport, 500, "transcode_failed", 1011, "transcode_failed")
			return
		}

		// Checkpoint between transcode and send.
		if ctx.Err() != nil {
			lease.Success()
			s.cancelOrShutdown(ctx, sess, transport)
			return
		}

		if err := transport.SendAudio(seq, payload); err != nil {
			// A failed send means the peer is gone; no terminal frame.
			lease.Success()
			s.cancelled(sess, transport, "client_disconnected")
			return
		}
		if s.metrics != nil {
			s.metrics.StreamChunks.WithLabelValues(sess.ProviderID, string(sess.TargetFormat)).Inc()
			s.metrics.StreamBytes.WithLabelValues(sess.ProviderID, string(sess.TargetFormat)).Add(float64(len(payload)))
		}
		seq++

		chunk, err = s.pullChunk(ctx, stream)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				lease.Success()
				s.cancelOrShutdown(ctx, sess, transport)
				return
			}
			// Audio already reached the client: no retry, no duplicates.
			lease.Failure()
			s.recordProviderFailure(sess, "pull_chunk", err)
			s.fail(sess, transport, 502, "provider_mid_stream", 1011, "provider_mid_stream")
			return
		}
	}

	if err := transport.SendEos(); err != nil {
		lease.Success()
		s.cancelled(sess, transport, "client_disconnected")
		return
	}
	lease.Success()
	s.complete(sess, transport)
}

// openWithRetry opens the provider stream and pulls the first chunk, with
// exponential backoff. Safe to retry because nothing has been sent yet.
func (s *TTSService) openWithRetry(ctx context.Context, sess session.Session, provider tts.Provider) (tts.ChunkStream, audio.Chunk, error) {
	req := tts.SynthesisRequest{
		Text:     sess.Text,
		VoiceID:  sess.VoiceID,
		Language: sess.Language,
	}

	var lastErr error
	for attempt := 1; attempt <= s.pipeline.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, audio.Chunk{}, context.Cause(ctx)
		}

		stream, err := provider.OpenStream(ctx, req)
		if err == nil {
			var chunk audio.Chunk
			chunk, err = s.pullChunk(ctx, stream)
			if err == nil {
				return stream, chunk, nil
			}
			if err == io.EOF {
				err = platformerrors.New(platformerrors.KindProvider, "open_stream",
					"provider produced no audio")
			}
			_ = stream.Close()
		}
		lastErr = err

		if s.logger != nil {
			s.logger.WarnTag("TTS", "provider %s attempt %d/%d failed for session %s: %v",
				sess.ProviderID, attempt, s.pipeline.MaxAttempts, sess.ID, err)
		}
		if attempt < s.pipeline.MaxAttempts {
			backoff := s.pipeline.RetryBackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, audio.Chunk{}, context.Cause(ctx)
			}
		}
	}
	return nil, audio.Chunk{}, lastErr
}

// pullChunk fetches the next chunk with the per-pull timeout. The pull runs
// on its own goroutine so a provider that ignores its context cannot wedge
// the worker past the deadline.
func (s *TTSService) pullChunk(ctx context.Context, stream tts.ChunkStream) (audio.Chunk, error) {
	pullCtx, cancel := context.WithTimeout(ctx, s.pipeline.ChunkPullTimeout)
	defer cancel()

	type result struct {
		chunk audio.Chunk
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		chunk, err := stream.Next(pullCtx)
		ch <- result{chunk: chunk, err: err}
	}()

	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-pullCtx.Done():
		if ctx.Err() != nil {
			return audio.Chunk{}, context.Cause(ctx)
		}
		return audio.Chunk{}, platformerrors.New(platformerrors.KindProvider,
			"pull_chunk", "chunk pull timed out")
	}
}

// SynthesizeFile renders a retained completed session as a self-contained
// WAV file. The stream path never emits containers; this is the out-of-band
// collaborator for products that need one.
func (s *TTSService) SynthesizeFile(ctx context.Context, sessionID string) ([]byte, error) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		return nil, platformerrors.New(platformerrors.KindNotFound, "synthesize_file",
			fmt.Sprintf("unknown session %q", sessionID))
	}
	if sess.Status != session.StatusCompleted {
		return nil, platformerrors.New(platformerrors.KindValidation, "synthesize_file",
			fmt.Sprintf("session %q is %s, not completed", sessionID, sess.Status))
	}

	provider, err := s.registry.Get(sess.ProviderID)
	if err != nil {
		return nil, err
	}
	stream, err := provider.OpenStream(ctx, tts.SynthesisRequest{
		Text:     sess.Text,
		VoiceID:  sess.VoiceID,
		Language: sess.Language,
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindProvider, "synthesize_file",
			"open provider stream", err)
	}
	defer stream.Close()

	var pcm bytes.Buffer
	for {
		chunk, err := s.pullChunk(ctx, stream)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		payload, err := s.transcoder.Transcode(ctx, chunk, audio.FormatPCM16, sess.TargetSampleRateHz)
		if err != nil {
			return nil, err
		}
		pcm.Write(payload)
	}

	var out bytes.Buffer
	if err := audio.WriteWavHeader(&out, pcm.Len(), sess.TargetSampleRateHz, 1, 16); err != nil {
		return nil, err
	}
	out.Write(pcm.Bytes())
	return out.Bytes(), nil
}

// Store exposes the session store for transport handlers.
func (s *TTSService) Store() *session.Store {
	return s.store
}

// Registry exposes the provider registry for the voices endpoint.
func (s *TTSService) Registry() *tts.Registry {
	return s.registry
}

func (s *TTSService) complete(sess session.Session, transport StreamTransport) {
	_ = s.store.UpdateStatus(sess.ID, session.StatusCompleted, "")
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(sess.ProviderID, "completed").Inc()
	}
	eventbus.Publish(eventbus.EventSessionCompleted, eventbus.SessionEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
	})
	_ = transport.CloseWithCode(1000, "")
	if s.logger != nil {
		s.logger.InfoTag("TTS", "session %s completed", sess.ID)
	}
}

// fail sends the terminal error frame, closes the transport and marks the
// session failed.
func (s *TTSService) fail(sess session.Session, transport StreamTransport, code int, message string, closeCode int, reason string) {
	_ = transport.SendError(code, message)
	_ = transport.CloseWithCode(closeCode, message)
	_ = s.store.UpdateStatus(sess.ID, session.StatusFailed, reason)
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(sess.ProviderID, "failed").Inc()
	}
	eventbus.Publish(eventbus.EventSessionFailed, eventbus.SessionEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
		Reason:     reason,
	})
	if s.logger != nil {
		s.logger.WarnTag("TTS", "session %s failed: %s", sess.ID, reason)
	}
}

// cancelled ends a stream the client walked away from: no terminal frame.
func (s *TTSService) cancelled(sess session.Session, transport StreamTransport, reason string) {
	_ = transport.CloseWithCode(1000, "")
	_ = s.store.UpdateStatus(sess.ID, session.StatusCancelled, reason)
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(sess.ProviderID, "cancelled").Inc()
	}
	eventbus.Publish(eventbus.EventSessionCancelled, eventbus.SessionEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
		Reason:     reason,
	})
	if s.logger != nil {
		s.logger.InfoTag("TTS", "session %s cancelled (%s)", sess.ID, reason)
	}
}

// cancelOrShutdown distinguishes client cancellation from process shutdown.
func (s *TTSService) cancelOrShutdown(ctx context.Context, sess session.Session, transport StreamTransport) {
	if errors.Is(context.Cause(ctx), ErrShutdown) {
		s.fail(sess, transport, 503, "shutting_down", 1013, "shutdown")
		return
	}
	s.cancelled(sess, transport, "client_disconnected")
}

func (s *TTSService) recordProviderFailure(sess session.Session, stage string, err error) {
	if s.metrics != nil {
		s.metrics.ProviderFailures.WithLabelValues(sess.ProviderID).Inc()
	}
	eventbus.Publish(eventbus.EventTTSError, eventbus.TTSErrorEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
		Stage:      stage,
		Error:      err.Error(),
	})
}

func (s *TTSService) recordPipelineError(sess session.Session, stage string, err error) {
	eventbus.Publish(eventbus.EventTTSError, eventbus.TTSErrorEventData{
		SessionID:  sess.ID,
		ProviderID: sess.ProviderID,
		Stage:      stage,
		Error:      err.Error(),
	})
}
