// Package chromehost implements the Chrome native-messaging host: a
// stdin/stdout framed-message loop that receives meeting-state updates
// from the companion browser extension and persists the latest state to
// disk for the desktop app to read.
package chromehost

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxMessageSize           = 256 * 1024
	maxURLLength             = 2048
	maxParticipants          = 30
	maxParticipantNameLength = 80
)

// Participant is one meeting attendee reported by the extension.
type Participant struct {
	Name   string `json:"name"`
	IsSelf bool   `json:"is_self"`
}

// incomingMessage is the wire shape the extension sends; every field but
// Type is optional since "meeting_ended" carries almost none of them.
type incomingMessage struct {
	Type         string        `json:"type"`
	URL          *string       `json:"url,omitempty"`
	IsActive     *bool         `json:"is_active,omitempty"`
	Muted        *bool         `json:"muted,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// MeetingState is the normalized, sanitized state of an in-progress
// meeting; nil (inside ChromeState.Meeting) means no meeting is active.
type MeetingState struct {
	URL          string        `json:"url"`
	IsActive     bool          `json:"is_active"`
	Muted        bool          `json:"muted"`
	Participants []Participant `json:"participants"`
}

// ChromeState is the full on-disk state document.
type ChromeState struct {
	Version     int           `json:"version"`
	TimestampMs int64         `json:"timestamp_ms"`
	Meeting     *MeetingState `json:"meeting"`
}

// DefaultStatePath returns char/chrome_state.json under the user's config
// directory (os.UserConfigDir).
func DefaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("chromehost: resolve state directory: %w", err)
	}
	return filepath.Join(dir, "char", "chrome_state.json"), nil
}

// readMessage reads one length-prefixed native-messaging frame: a 4-byte
// little-endian length followed by that many bytes of JSON. Returns
// (nil, nil) on a clean EOF before any bytes of the length prefix are
// read, matching Chrome's own native-messaging framing.
func readMessage(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("chromehost: message too large: %d", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func normalizeURL(url *string) (string, bool) {
	if url == nil {
		return "", false
	}
	value := strings.TrimSpace(*url)
	if value == "" || len(value) > maxURLLength {
		return "", false
	}
	if !strings.HasPrefix(value, "https://meet.google.com/") {
		return "", false
	}
	return value, true
}

func normalizeParticipants(participants []Participant) []Participant {
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		name := strings.TrimSpace(p.Name)
		if name == "" || len(name) > maxParticipantNameLength {
			continue
		}
		out = append(out, Participant{Name: name, IsSelf: p.IsSelf})
		if len(out) == maxParticipants {
			break
		}
	}
	return out
}

// processedAction is the outcome of processMessage: either the message
// is ignored entirely, or it updates (possibly clears) the meeting state.
type processedAction int

const (
	actionIgnore processedAction = iota
	actionUpdate
)

func processMessage(msg incomingMessage) (processedAction, *MeetingState) {
	switch msg.Type {
	case "meeting_state":
		if msg.IsActive == nil || !*msg.IsActive {
			return actionUpdate, nil
		}

		url, ok := normalizeURL(msg.URL)
		if !ok {
			return actionIgnore, nil
		}

		muted := msg.Muted != nil && *msg.Muted
		return actionUpdate, &MeetingState{
			URL: url, IsActive: true, Muted: muted,
			Participants: normalizeParticipants(msg.Participants),
		}
	case "meeting_ended":
		if msg.IsActive != nil && *msg.IsActive {
			return actionIgnore, nil
		}
		return actionUpdate, nil
	default:
		return actionIgnore, nil
	}
}

// writeState persists state atomically: write to a sibling temp file,
// flush, then rename over the destination, with a uuid-suffixed temp name
// so concurrent writers (there should only ever be one host process, but
// the state file may also be read by an app instance mid-write) never
// collide.
func writeState(state ChromeState, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("chromehost: create state directory: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("chromehost: marshal state: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".chrome_state-%s.tmp", uuid.New().String()))
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("chromehost: write temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chromehost: rename temp state file: %w", err)
	}
	return nil
}

// Run drives the native-messaging loop: read one framed message at a
// time from r, normalize it, and persist the resulting state to
// statePath. Returns on a clean EOF or the first I/O error.
func Run(r io.Reader, statePath string) error {
	for {
		data, err := readMessage(r)
		if err != nil {
			return fmt.Errorf("chromehost: read message: %w", err)
		}
		if data == nil {
			return nil
		}

		var msg incomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		action, meeting := processMessage(msg)
		if action == actionIgnore {
			continue
		}

		state := ChromeState{
			Version:     1,
			TimestampMs: time.Now().UnixMilli(),
			Meeting:     meeting,
		}
		if err := writeState(state, statePath); err != nil {
			fmt.Fprintf(os.Stderr, "chromehost: %v\n", err)
		}
	}
}
