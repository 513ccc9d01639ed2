package asr

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"

	"hearth/streamtypes"
)

// AssemblyAIAdapter speaks AssemblyAI's realtime WS protocol: mono-only
// (channel_split.Run must be used for dual-channel sessions), audio framed
// as base64-encoded JSON events rather than raw binary.
type AssemblyAIAdapter struct{}

func (AssemblyAIAdapter) ProviderName() string                 { return string(ProviderAssemblyAI) }
func (AssemblyAIAdapter) SupportsNativeMultichannel() bool      { return false }
func (AssemblyAIAdapter) IsSupportedLanguages(langs []string) bool {
	for _, l := range langs {
		if l != "en" {
			return false
		}
	}
	return len(langs) > 0
}

func (AssemblyAIAdapter) BuildWSURL(apiBase string, params map[string]string, channels int) string {
	base := apiBase
	if base == "" {
		base = "wss://api.assemblyai.com/v2/realtime/ws"
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("sample_rate", strconv.Itoa(16000))
	u.RawQuery = q.Encode()
	return u.String()
}

func (AssemblyAIAdapter) BuildAuthHeader(apiKey string) (AuthHeader, bool) {
	if apiKey == "" {
		return AuthHeader{}, false
	}
	return AuthHeader{Name: "Authorization", Value: apiKey}, true
}

func (AssemblyAIAdapter) InitialMessage(apiKey string, params map[string]string, channels int) (Message, bool) {
	return Message{}, false
}

func (AssemblyAIAdapter) KeepAliveMessage() (Message, bool) {
	return Message{}, false
}

func (AssemblyAIAdapter) AudioToMessage(pcm []byte) Message {
	payload, _ := json.Marshal(struct {
		AudioData string `json:"audio_data"`
	}{AudioData: base64.StdEncoding.EncodeToString(pcm)})
	return TextMessage(string(payload))
}

func (AssemblyAIAdapter) FinalizeMessage() Message {
	return TextMessage(`{"terminate_session":true}`)
}

type assemblyAIWord struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

type assemblyAITranscriptEvent struct {
	MessageType string           `json:"message_type"`
	Text        string           `json:"text"`
	Confidence  float64          `json:"confidence"`
	AudioStart  float64          `json:"audio_start"`
	AudioEnd    float64          `json:"audio_end"`
	Words       []assemblyAIWord `json:"words"`
}

type assemblyAIErrorEvent struct {
	MessageType string `json:"message_type"`
	Error       string `json:"error"`
}

// ParseResponse normalizes AssemblyAI's two message types
// (PartialTranscript/FinalTranscript, plus terminal SessionTerminated) into
// the canonical StreamResponse set. Callers that split a dual-channel
// session across two AssemblyAIAdapter connections are responsible for
// tagging the resulting TranscriptResponse with the right channel_index —
// this adapter always reports channel 0 since it has no channel concept of
// its own.
func (AssemblyAIAdapter) ParseResponse(text string) []streamtypes.StreamResponse {
	var typed struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal([]byte(text), &typed); err != nil {
		return nil
	}

	switch typed.MessageType {
	case "PartialTranscript", "FinalTranscript":
		var ev assemblyAITranscriptEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil
		}
		words := make([]streamtypes.Word, 0, len(ev.Words))
		for _, w := range ev.Words {
			words = append(words, streamtypes.Word{
				Word: w.Text, Start: w.Start / 1000.0, End: w.End / 1000.0,
				Confidence: w.Confidence,
			})
		}
		isFinal := typed.MessageType == "FinalTranscript"
		return []streamtypes.StreamResponse{streamtypes.TranscriptResponse{
			Start: ev.AudioStart / 1000.0, Duration: (ev.AudioEnd - ev.AudioStart) / 1000.0,
			IsFinal: isFinal, SpeechFinal: isFinal,
			Channel: streamtypes.Channel{Alternatives: []streamtypes.Alternatives{{
				Transcript: ev.Text, Words: words, Confidence: ev.Confidence,
			}}},
			ChannelIndex: []int32{0, 1},
		}}
	case "SessionTerminated":
		return []streamtypes.StreamResponse{streamtypes.TerminalResponse{}}
	default:
		var ev assemblyAIErrorEvent
		if err := json.Unmarshal([]byte(text), &ev); err == nil && ev.Error != "" {
			return []streamtypes.StreamResponse{streamtypes.ErrorResponse{
				ErrorMessage: ev.Error, Provider: string(ProviderAssemblyAI),
			}}
		}
		return nil
	}
}
