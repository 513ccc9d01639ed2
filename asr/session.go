package asr

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hearth/streamtypes"
)

// State is one of the session's five lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is published on every state transition.
type LifecycleEvent struct {
	State    State
	Degraded bool
	Err      error
}

const (
	connectTimeout  = 10 * time.Second
	finalizeTimeout = 5 * time.Second
	keepAliveMin    = 5 * time.Second
	keepAliveMax    = 10 * time.Second
	maxBackoff      = 30 * time.Second
)

// Session drives one adapter through Idle→Connecting→Connected→
// Finalizing→Closed, reconnecting with capped exponential backoff on
// recoverable transport drops and publishing lifecycle events throughout.
type Session struct {
	adapter Adapter
	apiBase string
	apiKey  string
	params  map[string]string
	channels int

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	reconnects int

	Lifecycle chan LifecycleEvent
	Responses chan streamtypes.StreamResponse

	cancel context.CancelFunc
}

func NewSession(adapter Adapter, apiBase, apiKey string, params map[string]string, channels int) *Session {
	return &Session{
		adapter:   adapter,
		apiBase:   apiBase,
		apiKey:    apiKey,
		params:    params,
		channels:  channels,
		state:     StateIdle,
		Lifecycle: make(chan LifecycleEvent, 16),
		Responses: make(chan streamtypes.StreamResponse, 64),
	}
}

func (s *Session) setState(state State, degraded bool, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	select {
	case s.Lifecycle <- LifecycleEvent{State: state, Degraded: degraded, Err: err}:
	default:
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions Idle→Connecting and begins the read/keep-alive loop.
// If the adapter is a Poller (no upstream socket), it drives a polling
// loop instead of a network connection.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("asr: session must be idle to start, got %s", state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if poller, ok := s.adapter.(Poller); ok {
		go s.runPolling(ctx, poller)
		return nil
	}

	go s.runNetwork(ctx)
	return nil
}

func (s *Session) runPolling(ctx context.Context, poller Poller) {
	s.setState(StateConnecting, false, nil)
	s.setState(StateConnected, false, nil)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateClosed, false, nil)
			return
		case <-ticker.C:
			for _, r := range poller.PollUpdates() {
				select {
				case s.Responses <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// runNetwork draws a line between two distinct failure modes. A session
// that has never successfully connected is this provider's responsibility
// alone to diagnose, not retry: Manager owns cross-provider fallback and
// its own backoff across the routing chain, so an initial handshake
// failure goes straight to Closed regardless of whether the error looks
// retryable. Only after a connection has been established at least once
// does a drop get this session's own reconnect-with-backoff treatment —
// the "Connected→Connecting on recoverable transport drop" transition.
func (s *Session) runNetwork(ctx context.Context) {
	everConnected := false

	for {
		if ctx.Err() != nil {
			s.setState(StateClosed, false, nil)
			return
		}

		s.setState(StateConnecting, false, nil)
		conn, err := s.connect(ctx)
		if err != nil {
			if !everConnected {
				s.setState(StateClosed, false, err)
				return
			}
			if !IsRetryableError(err.Error()) {
				s.setState(StateClosed, false, err)
				return
			}
			s.backoffSleep(ctx)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()
		everConnected = true
		s.setState(StateConnected, false, nil)

		if err := s.drive(ctx, conn); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				s.setState(StateClosed, false, nil)
				return
			}
			if !IsRetryableError(err.Error()) {
				s.setState(StateClosed, false, err)
				return
			}
			s.setState(StateConnecting, true, err)
			s.backoffSleep(ctx)
			continue
		}

		s.setState(StateClosed, false, nil)
		return
	}
}

func (s *Session) connect(ctx context.Context) (*websocket.Conn, error) {
	url := s.adapter.BuildWSURL(s.apiBase, s.params, s.channels)
	header := map[string][]string{}
	if auth, ok := s.adapter.BuildAuthHeader(s.apiKey); ok {
		header[auth.Name] = []string{auth.Value}
	}

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("asr: connect to %s: %w", s.adapter.ProviderName(), err)
	}

	if msg, ok := s.adapter.InitialMessage(s.apiKey, s.params, s.channels); ok {
		if err := writeMessage(conn, msg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// drive reads responses until the socket closes or finalize completes.
func (s *Session) drive(ctx context.Context, conn *websocket.Conn) error {
	keepAliveStop := s.startKeepAlive(conn)
	defer keepAliveStop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		for _, resp := range s.adapter.ParseResponse(string(data)) {
			select {
			case s.Responses <- resp:
			case <-ctx.Done():
				return nil
			}
			if _, isTerminal := resp.(streamtypes.TerminalResponse); isTerminal {
				return nil
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Session) startKeepAlive(conn *websocket.Conn) func() {
	msg, ok := s.adapter.KeepAliveMessage()
	if !ok {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(keepAliveMin)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = writeMessage(conn, msg)
			}
		}
	}()
	return func() { close(stop) }
}

// SendAudio pushes one PCM chunk into the active session. For a Poller
// adapter (no upstream socket, e.g. the local in-process engine) this
// calls straight into the adapter; for a network adapter it writes the
// adapter's encoded message over the current connection, silently
// dropping the chunk if no connection is up (e.g. mid-reconnect).
func (s *Session) SendAudio(pcm []byte) {
	if _, ok := s.adapter.(Poller); ok {
		s.adapter.AudioToMessage(pcm)
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	_ = writeMessage(conn, s.adapter.AudioToMessage(pcm))
}

// Stop transitions Connected→Finalizing: sends the finalize message and
// waits (bounded by finalizeTimeout) for the TerminalResponse to drain
// through drive's read loop, then cancels the session.
func (s *Session) Stop() {
	if s.State() == StateConnected {
		s.setState(StateFinalizing, false, nil)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = writeMessage(conn, s.adapter.FinalizeMessage())
		}
		time.AfterFunc(finalizeTimeout, func() {
			if s.cancel != nil {
				s.cancel()
			}
		})
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) backoffSleep(ctx context.Context) {
	s.mu.Lock()
	s.reconnects++
	n := s.reconnects
	s.mu.Unlock()

	delay := time.Duration(math.Min(
		float64(maxBackoff),
		float64(500*time.Millisecond)*math.Pow(2, float64(n-1)),
	))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func writeMessage(conn *websocket.Conn, msg Message) error {
	switch msg.Kind {
	case MessageBinary:
		return conn.WriteMessage(websocket.BinaryMessage, msg.Data)
	default:
		return conn.WriteMessage(websocket.TextMessage, []byte(msg.Text))
	}
}
