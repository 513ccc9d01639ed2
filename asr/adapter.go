// Package asr implements the provider-agnostic streaming ASR adapter
// layer: the capability-object contract each upstream speech-to-text
// backend satisfies, the session state machine that drives a socket
// through its lifecycle, dual-channel fan-out for mono-only backends, and
// provider routing for the managed multi-provider endpoint.
package asr

import "hearth/streamtypes"

// MessageKind distinguishes a WS text frame from a binary one.
type MessageKind int

const (
	MessageText MessageKind = iota
	MessageBinary
)

// Message is the adapter layer's framing-agnostic outbound unit — an
// adapter decides whether a given payload goes out as JSON text or a raw
// binary PCM frame.
type Message struct {
	Kind MessageKind
	Text string
	Data []byte
}

func TextMessage(text string) Message    { return Message{Kind: MessageText, Text: text} }
func BinaryMessage(data []byte) Message { return Message{Kind: MessageBinary, Data: data} }

// AuthHeader is an HTTP header name/value pair an adapter wants attached
// to its upstream connection request.
type AuthHeader struct {
	Name  string
	Value string
}

// Adapter is the stateless capability object each provider implements.
// Every method is pure/stateless so a single Adapter value can be shared
// across concurrent sessions.
type Adapter interface {
	ProviderName() string
	SupportsNativeMultichannel() bool
	IsSupportedLanguages(langs []string) bool

	BuildWSURL(apiBase string, params map[string]string, channels int) string
	BuildAuthHeader(apiKey string) (AuthHeader, bool)

	// InitialMessage is emitted once immediately after the socket opens;
	// ok=false means the provider expects no initial handshake message.
	InitialMessage(apiKey string, params map[string]string, channels int) (Message, bool)
	// KeepAliveMessage is sent periodically if the provider expects pings;
	// ok=false disables the keep-alive timer for this adapter.
	KeepAliveMessage() (Message, bool)
	AudioToMessage(pcm []byte) Message
	FinalizeMessage() Message

	ParseResponse(text string) []streamtypes.StreamResponse
}

// Poller is implemented by adapters with no upstream socket (the local
// in-process engine): instead of parsing text frames off a connection, the
// session driver polls the adapter directly for whatever transcript
// updates have become available since the last poll.
type Poller interface {
	PollUpdates() []streamtypes.StreamResponse
}
