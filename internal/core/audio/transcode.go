package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/logging"
)

const ffmpegTimeout = 15 * time.Second

// Transcoder converts provider chunks from the pcm16 base encoding into the
// requested target encoding and sample rate. Each call is an independent
// blocking operation executed on the calling worker goroutine; mulaw and opus
// are encoded in-process, and mp3 spawns one external ffmpeg process per chunk.
type Transcoder struct {
	ffmpegPath string
	logger     *logging.Logger
}

func NewTranscoder(ffmpegPath string, logger *logging.Logger) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{
		ffmpegPath: ffmpegPath,
		logger:     logger,
	}
}

// Transcode converts one chunk. One chunk in, one payload out; the caller
// frames the result without splitting or coalescing.
func (t *Transcoder) Transcode(ctx context.Context, chunk Chunk, target Format, rateHz int) ([]byte, error) {
	if chunk.Format != FormatPCM16 {
		return nil, platformerrors.New(platformerrors.KindTranscode, "transcode",
			fmt.Sprintf("unsupported source format %q, providers must emit pcm16", chunk.Format))
	}
	if rateHz <= 0 {
		return nil, platformerrors.New(platformerrors.KindTranscode, "transcode",
			fmt.Sprintf("invalid target sample rate %d", rateHz))
	}

	pcm, err := ResamplePCM16(chunk.Data, chunk.SampleRateHz, rateHz)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindTranscode, "resample",
			"resample failed", err)
	}

	switch target {
	case FormatPCM16, FormatWAV:
		// A wav stream is raw PCM frames without a container header; the
		// file endpoint is responsible for self-contained containers.
		return pcm, nil
	case FormatMulaw:
		out, err := EncodeMulaw(pcm)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindTranscode, "mulaw",
				"mulaw encode failed", err)
		}
		return out, nil
	case FormatOpus:
		packets, err := PCMToOpusData(pcm, rateHz, 1)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindTranscode, "opus",
				"opus encode failed", err)
		}
		return PackOpusPackets(packets), nil
	case FormatMP3:
		return t.encodeMP3(ctx, pcm, rateHz)
	}
	return nil, platformerrors.New(platformerrors.KindTranscode, "transcode",
		fmt.Sprintf("unsupported target format %q", target))
}

// encodeMP3 shells out to ffmpeg for one chunk. The process reads raw PCM on
// stdin and writes MP3 frames on stdout; a timeout bounds runaway encodes.
func (t *Transcoder) encodeMP3(ctx context.Context, pcm []byte, rateHz int) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(rateHz),
		"-ac", "1",
		"-i", "pipe:0",
		"-f", "mp3",
		"-b:a", "64k",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(pcm)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if t.logger != nil {
			t.logger.ErrorTag("TTS", "ffmpeg mp3 encode failed: %v (%s)", err, stderr.String())
		}
		return nil, platformerrors.Wrap(platformerrors.KindTranscode, "mp3",
			fmt.Sprintf("ffmpeg failed: %s", stderr.String()), err)
	}
	return stdout.Bytes(), nil
}
