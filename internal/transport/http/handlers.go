package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"tts-gateway/internal/app/services"
	"tts-gateway/internal/core/audio"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/transport/ws"
)

type createSessionBody struct {
	Provider     string `json:"provider" binding:"required"`
	Voice        string `json:"voice" binding:"required"`
	Text         string `json:"text"`
	Language     string `json:"language"`
	TargetFormat string `json:"target_format" binding:"required"`
	SampleRateHz int    `json:"sample_rate_hz" binding:"required"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	WsURL     string `json:"ws_url"`
}

type voiceResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Language         string   `json:"language"`
	Provider         string   `json:"provider"`
	SampleRateHz     int      `json:"sample_rate_hz"`
	SupportedFormats []string `json:"supported_formats"`
}

type voicesResponse struct {
	Voices []voiceResponse `json:"voices"`
}

// handleCreateSession admits a new session: rate limit first, then request
// validation, then persistence.
func (s *Server) handleCreateSession(c *gin.Context) {
	origin := c.ClientIP()
	decision := s.limiter.Admit(origin)
	if !decision.Allowed {
		retryAfter := int(decision.RetryAfter.Seconds() + 0.5)
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded for this client")
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.service.CreateSession(c.Request.Context(), services.CreateSessionRequest{
		Provider:     body.Provider,
		Voice:        body.Voice,
		Text:         body.Text,
		Language:     body.Language,
		TargetFormat: body.TargetFormat,
		SampleRateHz: body.SampleRateHz,
	})
	if err != nil {
		switch platformerrors.KindOf(err) {
		case platformerrors.KindValidation:
			respondError(c, http.StatusBadRequest, err.Error())
		case platformerrors.KindNotFound:
			respondError(c, http.StatusNotFound, err.Error())
		default:
			respondError(c, http.StatusServiceUnavailable, "internal overload")
		}
		return
	}

	scheme := "ws"
	if c.Request.TLS != nil {
		scheme = "wss"
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		WsURL:     fmt.Sprintf("%s://%s/v1/tts/stream/%s", scheme, c.Request.Host, sess.ID),
	})
}

// handleListVoices merges provider catalogs, optionally filtered by provider
// and language.
func (s *Server) handleListVoices(c *gin.Context) {
	providerFilter := c.Query("provider")
	languageFilter := c.Query("language")

	voices, err := s.service.Registry().ListAllVoices(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list voices")
		return
	}

	formats := make([]string, 0, len(audio.SupportedFormats()))
	for _, f := range audio.SupportedFormats() {
		formats = append(formats, string(f))
	}

	out := voicesResponse{Voices: []voiceResponse{}}
	for _, v := range voices {
		if providerFilter != "" && v.ProviderID != providerFilter {
			continue
		}
		if languageFilter != "" && v.Language != languageFilter {
			continue
		}
		out.Voices = append(out.Voices, voiceResponse{
			ID:               v.ID,
			Name:             v.DisplayName,
			Language:         v.Language,
			Provider:         v.ProviderID,
			SampleRateHz:     v.NativeSampleRateHz,
			SupportedFormats: formats,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["mem_used_percent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// handleSessionFile serves a retained completed session as a WAV file.
func (s *Server) handleSessionFile(c *gin.Context) {
	data, err := s.service.SynthesizeFile(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		switch platformerrors.KindOf(err) {
		case platformerrors.KindNotFound:
			respondError(c, http.StatusNotFound, err.Error())
		case platformerrors.KindValidation:
			respondError(c, http.StatusConflict, err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "failed to render session audio")
		}
		return
	}
	c.Data(http.StatusOK, "audio/wav", data)
}

// handleStream upgrades to a websocket and hands the session over to the
// streaming queue. From here on the worker owns the transport.
func (s *Server) handleStream(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorTag("WebSocket", "upgrade failed: %v", err)
		}
		return
	}
	wsConn := ws.NewConnection(sessionID, conn)

	if _, ok := s.service.Store().Get(sessionID); !ok {
		_ = wsConn.SendError(400, "unknown session")
		_ = wsConn.CloseWithCode(ws.CloseBadRequest, "unknown session")
		return
	}

	err = s.queue.Enqueue(&services.StreamJob{
		SessionID:  sessionID,
		Transport:  wsConn,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		if s.logger != nil {
			s.logger.WarnTag("WebSocket", "rejecting session %s: %v", sessionID, err)
		}
		_ = wsConn.SendError(503, "server overloaded, try again later")
		_ = wsConn.CloseWithCode(ws.CloseTryAgainLater, "queue full")
		return
	}
}
