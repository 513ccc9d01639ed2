package asr

import (
	"encoding/binary"
	"sync"

	"hearth/ai"
	"hearth/models"
	"hearth/streamtypes"
)

// LocalAdapter is the no-network adapter backed by the on-device
// streaming FluidAudio engine (ai.StreamingFluidASREngine):
// build_ws_url/build_auth_header are no-ops, audio_to_message feeds PCM
// straight into the engine instead of framing a socket message, and
// updates are retrieved via
// Poller rather than ParseResponse (there is no upstream text frame to
// parse).
type LocalAdapter struct {
	modelMgr *models.Manager

	mu      sync.Mutex
	engine  *ai.StreamingFluidASREngine
	pending []streamtypes.StreamResponse
}

func NewLocalAdapter(modelMgr *models.Manager) *LocalAdapter {
	return &LocalAdapter{modelMgr: modelMgr}
}

func (LocalAdapter) ProviderName() string            { return "local" }
func (LocalAdapter) SupportsNativeMultichannel() bool { return false }
func (LocalAdapter) IsSupportedLanguages(langs []string) bool {
	return true // the on-device model is language-agnostic at this layer
}

func (LocalAdapter) BuildWSURL(apiBase string, params map[string]string, channels int) string {
	return ""
}

func (LocalAdapter) BuildAuthHeader(apiKey string) (AuthHeader, bool) {
	return AuthHeader{}, false
}

func (LocalAdapter) InitialMessage(apiKey string, params map[string]string, channels int) (Message, bool) {
	return Message{}, false
}

func (LocalAdapter) KeepAliveMessage() (Message, bool) {
	return Message{}, false
}

// Start opens the on-device engine and begins accumulating transcript
// updates for PollUpdates to drain.
func (l *LocalAdapter) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engine != nil {
		return nil
	}

	engine, err := ai.NewStreamingFluidASREngine(ai.StreamingFluidASRConfig{
		ModelCacheDir:         l.modelMgr.GetModelsDir(),
		ChunkSeconds:          15.0,
		ConfirmationThreshold: 0.85,
	})
	if err != nil {
		return err
	}

	engine.SetUpdateCallback(func(update ai.StreamingTranscriptionUpdate) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.pending = append(l.pending, streamtypes.TranscriptResponse{
			IsFinal:     update.IsConfirmed,
			SpeechFinal: update.IsConfirmed,
			Channel: streamtypes.Channel{Alternatives: []streamtypes.Alternatives{{
				Transcript: update.Text,
				Confidence: float64(update.Confidence),
			}}},
			ChannelIndex: []int32{0, 1},
		})
	})

	l.engine = engine
	return nil
}

// AudioToMessage decodes a little-endian int16 PCM chunk and feeds it
// straight into the engine's buffer; the returned Message is never sent
// anywhere (no socket exists for this adapter) and exists only to satisfy
// the shared Adapter contract.
func (l *LocalAdapter) AudioToMessage(pcm []byte) Message {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}

	l.mu.Lock()
	engine := l.engine
	l.mu.Unlock()
	if engine != nil {
		_ = engine.StreamAudio(samples)
	}
	return Message{}
}

func (l *LocalAdapter) FinalizeMessage() Message {
	l.mu.Lock()
	engine := l.engine
	l.mu.Unlock()
	if engine != nil {
		if text, err := engine.Finish(); err == nil && text != "" {
			l.mu.Lock()
			l.pending = append(l.pending, streamtypes.TranscriptResponse{
				IsFinal: true, SpeechFinal: true, FromFinalize: true,
				Channel: streamtypes.Channel{Alternatives: []streamtypes.Alternatives{{Transcript: text}}},
				ChannelIndex: []int32{0, 1},
			})
			l.mu.Unlock()
		}
	}
	return Message{}
}

func (LocalAdapter) ParseResponse(text string) []streamtypes.StreamResponse { return nil }

// PollUpdates drains and returns every transcript update accumulated since
// the last call.
func (l *LocalAdapter) PollUpdates() []streamtypes.StreamResponse {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Close releases the underlying engine.
func (l *LocalAdapter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engine != nil {
		l.engine.Close()
		l.engine = nil
	}
}
