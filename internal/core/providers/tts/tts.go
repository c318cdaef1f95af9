package tts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tts-gateway/internal/core/audio"
	platformerrors "tts-gateway/internal/platform/errors"
)

// Voice is an immutable catalog entry loaded at startup.
type Voice struct {
	ID                 string
	DisplayName        string
	Language           string
	NativeSampleRateHz int
	BaseFormat         audio.Format
	ProviderID         string
}

// SynthesisRequest carries the parameters for one utterance.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Language string
}

// ChunkStream is a lazy finite sequence of audio chunks. Next returns io.EOF
// on natural exhaustion; the pipeline pulls one chunk at a time.
type ChunkStream interface {
	Next(ctx context.Context) (audio.Chunk, error)
	Close() error
}

// Provider synthesizes one utterance into a chunk stream and lists its
// voice catalog.
type Provider interface {
	ID() string
	ListVoices(ctx context.Context) ([]Voice, error)
	OpenStream(ctx context.Context, req SynthesisRequest) (ChunkStream, error)
}

// Factory creates a provider instance from its raw options.
type Factory func(options map[string]interface{}) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register registers a provider factory under a type name.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Create instantiates a registered provider type.
func Create(name string, options map[string]interface{}) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, platformerrors.New(platformerrors.KindNotFound, "create",
			fmt.Sprintf("unknown TTS provider type %q", name))
	}

	provider, err := factory(options)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindProvider, "create",
			fmt.Sprintf("create TTS provider %q", name), err)
	}
	return provider, nil
}

// Registry resolves provider ids and aggregates voice catalogs for the
// configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Add registers an instantiated provider with the registry.
func (r *Registry) Add(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get resolves a provider id.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	if !ok {
		return nil, platformerrors.New(platformerrors.KindNotFound, "get",
			fmt.Sprintf("unknown provider %q", providerID))
	}
	return p, nil
}

// List returns all registered providers in stable id order.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ListAllVoices merges the catalogs of every registered provider.
func (r *Registry) ListAllVoices(ctx context.Context) ([]Voice, error) {
	var voices []Voice
	for _, p := range r.List() {
		pv, err := p.ListVoices(ctx)
		if err != nil {
			return nil, err
		}
		voices = append(voices, pv...)
	}
	return voices, nil
}

// FindVoice looks a voice id up across all catalogs.
func (r *Registry) FindVoice(ctx context.Context, voiceID string) (Voice, bool, error) {
	voices, err := r.ListAllVoices(ctx)
	if err != nil {
		return Voice{}, false, err
	}
	for _, v := range voices {
		if v.ID == voiceID {
			return v, true, nil
		}
	}
	return Voice{}, false, nil
}
