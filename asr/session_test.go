package asr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hearth/streamtypes"
)

type stubAdapter struct {
	provider  string
	url       string
	keepAlive bool
}

func (a stubAdapter) ProviderName() string                        { return a.provider }
func (stubAdapter) SupportsNativeMultichannel() bool               { return false }
func (stubAdapter) IsSupportedLanguages(langs []string) bool       { return true }
func (a stubAdapter) BuildWSURL(string, map[string]string, int) string { return a.url }
func (stubAdapter) BuildAuthHeader(string) (AuthHeader, bool)      { return AuthHeader{}, false }
func (stubAdapter) InitialMessage(string, map[string]string, int) (Message, bool) {
	return Message{}, false
}
func (a stubAdapter) KeepAliveMessage() (Message, bool) {
	if !a.keepAlive {
		return Message{}, false
	}
	return TextMessage(`{"type":"KeepAlive"}`), true
}
func (stubAdapter) AudioToMessage(pcm []byte) Message { return BinaryMessage(pcm) }
func (stubAdapter) FinalizeMessage() Message           { return TextMessage(`{"type":"CloseStream"}`) }
func (stubAdapter) ParseResponse(text string) []streamtypes.StreamResponse {
	if strings.Contains(text, "terminal") {
		return []streamtypes.StreamResponse{streamtypes.TerminalResponse{}}
	}
	return []streamtypes.StreamResponse{streamtypes.TranscriptResponse{
		Channel: streamtypes.Channel{Alternatives: []streamtypes.Alternatives{{Transcript: text}}},
		ChannelIndex: []int32{0, 1},
	}}
}

var upgrader = websocket.Upgrader{}

func echoServer(t *testing.T, onMessage func(conn *websocket.Conn, data []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			onMessage(conn, data)
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSessionReachesConnectedOnHandshake(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, data []byte) {})
	defer srv.Close()

	sess := NewSession(stubAdapter{provider: "stub", url: wsURL(srv.URL)}, "", "", nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-sess.Lifecycle:
		if ev.State != StateConnecting {
			t.Fatalf("expected first event Connecting, got %s", ev.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connecting")
	}

	select {
	case ev := <-sess.Lifecycle:
		if ev.State != StateConnected {
			t.Fatalf("expected Connected, got %s", ev.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Connected")
	}
}

func TestSessionDrivesResponsesToChannel(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, data []byte) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	})
	defer srv.Close()

	sess := NewSession(stubAdapter{provider: "stub", url: wsURL(srv.URL)}, "", "", nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// drain lifecycle (Connecting, Connected)
	<-sess.Lifecycle
	<-sess.Lifecycle

	select {
	case resp := <-sess.Responses:
		tr, ok := resp.(streamtypes.TranscriptResponse)
		if !ok {
			t.Fatalf("expected TranscriptResponse, got %T", resp)
		}
		if tr.Channel.Alternatives[0].Transcript != "hello" {
			t.Fatalf("unexpected transcript: %q", tr.Channel.Alternatives[0].Transcript)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestSessionStopTransitionsToFinalizing(t *testing.T) {
	finalizeSeen := make(chan struct{}, 1)
	srv := echoServer(t, func(conn *websocket.Conn, data []byte) {
		if strings.Contains(string(data), "CloseStream") {
			select {
			case finalizeSeen <- struct{}{}:
			default:
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte("terminal"))
		}
	})
	defer srv.Close()

	sess := NewSession(stubAdapter{provider: "stub", url: wsURL(srv.URL)}, "", "", nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sess.Lifecycle // Connecting
	<-sess.Lifecycle // Connected

	sess.Stop()

	select {
	case ev := <-sess.Lifecycle:
		if ev.State != StateFinalizing {
			t.Fatalf("expected Finalizing, got %s", ev.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Finalizing")
	}

	select {
	case <-finalizeSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw finalize message")
	}
}

func TestSessionStartRejectsNonIdle(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn, data []byte) {})
	defer srv.Close()

	sess := NewSession(stubAdapter{provider: "stub", url: wsURL(srv.URL)}, "", "", nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Start(ctx); err == nil {
		t.Fatal("expected error starting an already-started session")
	}
}

func TestLocalAdapterPollingReachesConnected(t *testing.T) {
	sess := NewSession(&pollerAdapter{}, "", "", nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if ev := <-sess.Lifecycle; ev.State != StateConnecting {
		t.Fatalf("expected Connecting, got %s", ev.State)
	}
	if ev := <-sess.Lifecycle; ev.State != StateConnected {
		t.Fatalf("expected Connected, got %s", ev.State)
	}
}

// pollerAdapter is a minimal Adapter+Poller stub exercising the polling
// branch of Session.Start without depending on the heavyweight on-device
// engine that LocalAdapter wraps.
type pollerAdapter struct{}

func (pollerAdapter) ProviderName() string                        { return "local" }
func (pollerAdapter) SupportsNativeMultichannel() bool             { return false }
func (pollerAdapter) IsSupportedLanguages(langs []string) bool     { return true }
func (pollerAdapter) BuildWSURL(string, map[string]string, int) string { return "" }
func (pollerAdapter) BuildAuthHeader(string) (AuthHeader, bool)    { return AuthHeader{}, false }
func (pollerAdapter) InitialMessage(string, map[string]string, int) (Message, bool) {
	return Message{}, false
}
func (pollerAdapter) KeepAliveMessage() (Message, bool)            { return Message{}, false }
func (pollerAdapter) AudioToMessage(pcm []byte) Message            { return Message{} }
func (pollerAdapter) FinalizeMessage() Message                     { return Message{} }
func (pollerAdapter) ParseResponse(string) []streamtypes.StreamResponse { return nil }
func (pollerAdapter) PollUpdates() []streamtypes.StreamResponse   { return nil }
