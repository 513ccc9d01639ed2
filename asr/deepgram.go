package asr

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"hearth/streamtypes"
)

// deepgramLanguages is the small set this adapter is known to handle well;
// anything else still connects (Deepgram auto-detects broadly) but isn't
// claimed as a supported language for routing purposes.
var deepgramLanguages = map[string]bool{
	"en": true, "es": true, "fr": true, "de": true, "it": true,
	"ja": true, "zh": true, "pt": true, "ru": true, "nl": true,
}

// DeepgramAdapter speaks Deepgram's live-transcription WS protocol: binary
// PCM passthrough, JSON KeepAlive pings, native multichannel support.
type DeepgramAdapter struct{}

func (DeepgramAdapter) ProviderName() string                 { return string(ProviderDeepgram) }
func (DeepgramAdapter) SupportsNativeMultichannel() bool      { return true }
func (DeepgramAdapter) IsSupportedLanguages(langs []string) bool {
	for _, l := range langs {
		if !deepgramLanguages[l] {
			return false
		}
	}
	return len(langs) > 0
}

func (DeepgramAdapter) BuildWSURL(apiBase string, params map[string]string, channels int) string {
	base := apiBase
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("channels", strconv.Itoa(channels))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	u.RawQuery = q.Encode()
	return u.String()
}

func (DeepgramAdapter) BuildAuthHeader(apiKey string) (AuthHeader, bool) {
	if apiKey == "" {
		return AuthHeader{}, false
	}
	return AuthHeader{Name: "Authorization", Value: "Token " + apiKey}, true
}

func (DeepgramAdapter) InitialMessage(apiKey string, params map[string]string, channels int) (Message, bool) {
	return Message{}, false
}

func (DeepgramAdapter) KeepAliveMessage() (Message, bool) {
	return TextMessage(`{"type":"KeepAlive"}`), true
}

func (DeepgramAdapter) AudioToMessage(pcm []byte) Message {
	return BinaryMessage(pcm)
}

func (DeepgramAdapter) FinalizeMessage() Message {
	return TextMessage(`{"type":"CloseStream"}`)
}

type deepgramWord struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Speaker    *int32  `json:"speaker,omitempty"`
	Punctuated *string `json:"punctuated_word,omitempty"`
	Language   *string `json:"language,omitempty"`
}

type deepgramAlternative struct {
	Transcript string         `json:"transcript"`
	Confidence float64        `json:"confidence"`
	Words      []deepgramWord `json:"words"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives"`
}

type deepgramResultsEvent struct {
	Type         string          `json:"type"`
	ChannelIndex []int32         `json:"channel_index"`
	Start        float64         `json:"start"`
	Duration     float64         `json:"duration"`
	IsFinal      bool            `json:"is_final"`
	SpeechFinal  bool            `json:"speech_final"`
	FromFinalize bool            `json:"from_finalize"`
	Channel      deepgramChannel `json:"channel"`
	Metadata     struct {
		RequestID string `json:"request_id"`
		ModelInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Arch    string `json:"arch"`
		} `json:"model_info"`
	} `json:"metadata"`
}

type deepgramSpeechStartedEvent struct {
	Type      string  `json:"type"`
	Channel   []int32 `json:"channel"`
	Timestamp float64 `json:"timestamp"`
}

type deepgramUtteranceEndEvent struct {
	Type        string  `json:"type"`
	Channel     []int32 `json:"channel"`
	LastWordEnd float64 `json:"last_word_end"`
}

type deepgramMetadataEvent struct {
	Type      string  `json:"type"`
	RequestID string  `json:"request_id"`
	Created   string  `json:"created"`
	Duration  float64 `json:"duration"`
	Channels  int     `json:"channels"`
}

func (DeepgramAdapter) ParseResponse(text string) []streamtypes.StreamResponse {
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &typed); err != nil {
		return nil
	}

	switch typed.Type {
	case "Results":
		var ev deepgramResultsEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil
		}
		words := make([]streamtypes.Word, 0)
		var transcript string
		var confidence float64
		if len(ev.Channel.Alternatives) > 0 {
			alt := ev.Channel.Alternatives[0]
			transcript = alt.Transcript
			confidence = alt.Confidence
			for _, w := range alt.Words {
				words = append(words, streamtypes.Word{
					Word: w.Word, Start: w.Start, End: w.End,
					Confidence: w.Confidence, Speaker: w.Speaker,
					PunctuatedWord: w.Punctuated, Language: w.Language,
				})
			}
		}
		channelIdx := ev.ChannelIndex
		if len(channelIdx) == 0 {
			channelIdx = []int32{0, 1}
		}
		return []streamtypes.StreamResponse{streamtypes.TranscriptResponse{
			Start: ev.Start, Duration: ev.Duration,
			IsFinal: ev.IsFinal, SpeechFinal: ev.SpeechFinal, FromFinalize: ev.FromFinalize,
			Channel: streamtypes.Channel{Alternatives: []streamtypes.Alternatives{{
				Transcript: transcript, Words: words, Confidence: confidence,
			}}},
			Metadata: streamtypes.Metadata{
				RequestID: ev.Metadata.RequestID,
				ModelInfo: streamtypes.ModelInfo{
					Name: ev.Metadata.ModelInfo.Name, Version: ev.Metadata.ModelInfo.Version,
					Arch: ev.Metadata.ModelInfo.Arch,
				},
			},
			ChannelIndex: channelIdx,
		}}
	case "SpeechStarted":
		var ev deepgramSpeechStartedEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil
		}
		ch := int32(0)
		if len(ev.Channel) > 0 {
			ch = ev.Channel[0]
		}
		return []streamtypes.StreamResponse{streamtypes.SpeechStartedResponse{Channel: ch, Timestamp: ev.Timestamp}}
	case "UtteranceEnd":
		var ev deepgramUtteranceEndEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil
		}
		ch := int32(0)
		if len(ev.Channel) > 0 {
			ch = ev.Channel[0]
		}
		return []streamtypes.StreamResponse{streamtypes.UtteranceEndResponse{Channel: ch, LastWordEnd: ev.LastWordEnd}}
	case "Metadata":
		var ev deepgramMetadataEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil
		}
		return []streamtypes.StreamResponse{streamtypes.TerminalResponse{
			RequestID: ev.RequestID, Created: ev.Created, Duration: ev.Duration, Channels: ev.Channels,
		}}
	default:
		if strings.Contains(typed.Type, "rror") {
			return []streamtypes.StreamResponse{streamtypes.ErrorResponse{
				ErrorMessage: fmt.Sprintf("unrecognized deepgram event: %s", text),
				Provider:     string(ProviderDeepgram),
			}}
		}
		return nil
	}
}
