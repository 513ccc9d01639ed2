package asr

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hearth/streamtypes"
)

// failingAdapter always fails to connect by pointing at a URL nothing is
// listening on; the resulting "connection refused" error is retryable, so
// Manager moves on to the next provider.
type failingAdapter struct{ provider string }

func (a failingAdapter) ProviderName() string                        { return a.provider }
func (failingAdapter) SupportsNativeMultichannel() bool               { return false }
func (failingAdapter) IsSupportedLanguages(langs []string) bool       { return true }
func (failingAdapter) BuildWSURL(string, map[string]string, int) string {
	return "ws://127.0.0.1:1/unreachable"
}
func (failingAdapter) BuildAuthHeader(string) (AuthHeader, bool) { return AuthHeader{}, false }
func (failingAdapter) InitialMessage(string, map[string]string, int) (Message, bool) {
	return Message{}, false
}
func (failingAdapter) KeepAliveMessage() (Message, bool) { return Message{}, false }
func (failingAdapter) AudioToMessage(pcm []byte) Message { return BinaryMessage(pcm) }
func (failingAdapter) FinalizeMessage() Message          { return TextMessage("") }
func (failingAdapter) ParseResponse(text string) []streamtypes.StreamResponse {
	return nil
}

func TestManagerSkipsUnreachableThenConnects(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, data []byte) {})
	defer srv.Close()

	router := NewRouter(RoutingConfig{
		Priorities:  []Provider{ProviderDeepgram, ProviderSoniox},
		RetryConfig: defaultRetryConfig(),
	})

	factory := func(p Provider) (Adapter, bool) {
		switch p {
		case ProviderDeepgram:
			return failingAdapter{provider: "deepgram"}, true
		case ProviderSoniox:
			return stubAdapter{provider: "soniox", url: wsURL(srv.URL)}, true
		}
		return nil, false
	}

	mgr := NewManager(router, factory, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	available := map[Provider]bool{ProviderDeepgram: true, ProviderSoniox: true}

	done := make(chan struct{})
	var sess *Session
	var err error
	go func() {
		sess, err = mgr.Start(ctx, []string{"en"}, available, nil, 1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Manager.Start")
	}

	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session")
	}
	if sess.adapter.ProviderName() != "soniox" {
		t.Fatalf("expected fallback to soniox, got %s", sess.adapter.ProviderName())
	}
}
