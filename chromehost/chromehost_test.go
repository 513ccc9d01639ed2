package chromehost

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func encodeMessage(t *testing.T, payload string) []byte {
	t.Helper()
	body := []byte(payload)
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	return buf.Bytes()
}

func TestReadMessageValid(t *testing.T) {
	payload := `{"type":"meeting_state"}`
	r := bytes.NewReader(encodeMessage(t, payload))

	got, err := readMessage(r)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if string(got) != payload {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadMessageEOFReturnsNil(t *testing.T) {
	r := bytes.NewReader(nil)
	got, err := readMessage(r)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestReadMessageTruncatedBodyErrors(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 10)
	buf.Write(lenBuf[:])
	buf.WriteString("abc")

	if _, err := readMessage(&buf); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestReadMessageRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(maxMessageSize+1))
	buf.Write(lenBuf[:])

	if _, err := readMessage(&buf); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestProcessMeetingStateActive(t *testing.T) {
	msg := incomingMessage{
		Type: "meeting_state", URL: strPtr("https://meet.google.com/abc"),
		IsActive: boolPtr(true), Muted: boolPtr(true),
		Participants: []Participant{{Name: "Alice", IsSelf: true}},
	}

	action, meeting := processMessage(msg)
	if action != actionUpdate || meeting == nil {
		t.Fatalf("expected active meeting update, got action=%v meeting=%v", action, meeting)
	}
	if !meeting.IsActive || !meeting.Muted {
		t.Fatal("expected active+muted meeting")
	}
	if len(meeting.Participants) != 1 || meeting.URL != "https://meet.google.com/abc" {
		t.Fatalf("unexpected meeting state: %+v", meeting)
	}
}

func TestProcessMeetingEnded(t *testing.T) {
	msg := incomingMessage{Type: "meeting_ended", IsActive: boolPtr(false)}
	action, meeting := processMessage(msg)
	if action != actionUpdate || meeting != nil {
		t.Fatalf("expected clearing update, got action=%v meeting=%v", action, meeting)
	}
}

func TestProcessMeetingStateInactiveFlag(t *testing.T) {
	msg := incomingMessage{
		Type: "meeting_state", URL: strPtr("https://meet.google.com/abc"),
		IsActive: boolPtr(false), Muted: boolPtr(false),
	}
	action, meeting := processMessage(msg)
	if action != actionUpdate || meeting != nil {
		t.Fatalf("expected clearing update, got action=%v meeting=%v", action, meeting)
	}
}

func TestProcessDefaultsMutedFalse(t *testing.T) {
	msg := incomingMessage{
		Type: "meeting_state", URL: strPtr("https://meet.google.com/abc"),
		IsActive: boolPtr(true),
	}
	action, meeting := processMessage(msg)
	if action != actionUpdate || meeting == nil {
		t.Fatalf("expected active meeting update")
	}
	if meeting.Muted {
		t.Fatal("expected muted to default false")
	}
}

func TestProcessUnknownTypeIsIgnored(t *testing.T) {
	msg := incomingMessage{Type: "unknown", URL: strPtr("https://meet.google.com/abc"), IsActive: boolPtr(true)}
	action, _ := processMessage(msg)
	if action != actionIgnore {
		t.Fatalf("expected ignore, got %v", action)
	}
}

func TestProcessInvalidURLIsIgnored(t *testing.T) {
	msg := incomingMessage{Type: "meeting_state", URL: strPtr("https://example.com/abc"), IsActive: boolPtr(true)}
	action, _ := processMessage(msg)
	if action != actionIgnore {
		t.Fatalf("expected ignore, got %v", action)
	}
}

func TestProcessParticipantsAreSanitized(t *testing.T) {
	msg := incomingMessage{
		Type: "meeting_state", URL: strPtr("https://meet.google.com/abc"), IsActive: boolPtr(true),
		Participants: []Participant{{Name: "  Alice  "}, {Name: " "}},
	}
	action, meeting := processMessage(msg)
	if action != actionUpdate || meeting == nil {
		t.Fatalf("expected active meeting update")
	}
	if len(meeting.Participants) != 1 || meeting.Participants[0].Name != "Alice" {
		t.Fatalf("unexpected sanitized participants: %+v", meeting.Participants)
	}
}

func TestWriteStateCreatesValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	state := ChromeState{
		Version: 1, TimestampMs: 1000,
		Meeting: &MeetingState{URL: "https://meet.google.com/test", IsActive: true, Participants: []Participant{}},
	}
	if err := writeState(state, path); err != nil {
		t.Fatalf("writeState: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(contents, &parsed); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if parsed["version"].(float64) != 1 {
		t.Fatalf("unexpected version: %v", parsed["version"])
	}
	meeting := parsed["meeting"].(map[string]any)
	if meeting["is_active"] != true {
		t.Fatalf("expected is_active true, got %v", meeting["is_active"])
	}
}

func TestWriteStateCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "dirs", "state.json")

	if err := writeState(ChromeState{Version: 1}, path); err != nil {
		t.Fatalf("writeState: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestRunMeetingStateMessage(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "chrome_state.json")

	msg := `{"type":"meeting_state","url":"https://meet.google.com/xyz","is_active":true,"muted":false,"participants":[{"name":"Bob","is_self":false}]}`
	r := bytes.NewReader(encodeMessage(t, msg))

	if err := Run(r, statePath); err != nil {
		t.Fatalf("Run: %v", err)
	}

	contents, _ := os.ReadFile(statePath)
	var parsed map[string]any
	_ = json.Unmarshal(contents, &parsed)
	meeting := parsed["meeting"].(map[string]any)
	if meeting["url"] != "https://meet.google.com/xyz" {
		t.Fatalf("unexpected url: %v", meeting["url"])
	}
	participants := meeting["participants"].([]any)
	if participants[0].(map[string]any)["name"] != "Bob" {
		t.Fatalf("unexpected participant: %v", participants)
	}
}

func TestRunMeetingEndedClearsMeeting(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "chrome_state.json")

	active := `{"type":"meeting_state","is_active":true,"muted":false}`
	ended := `{"type":"meeting_ended","is_active":false}`

	var buf bytes.Buffer
	buf.Write(encodeMessage(t, active))
	buf.Write(encodeMessage(t, ended))

	if err := Run(&buf, statePath); err != nil {
		t.Fatalf("Run: %v", err)
	}

	contents, _ := os.ReadFile(statePath)
	var parsed map[string]any
	_ = json.Unmarshal(contents, &parsed)
	if parsed["meeting"] != nil {
		t.Fatalf("expected meeting cleared, got %v", parsed["meeting"])
	}
}

func TestRunInvalidJSONIsSkipped(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "chrome_state.json")

	bad := []byte("not json at all")
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(bad)))
	buf.Write(lenBuf[:])
	buf.Write(bad)

	valid := `{"type":"meeting_state","url":"https://meet.google.com/xyz","is_active":true,"muted":true}`
	buf.Write(encodeMessage(t, valid))

	if err := Run(&buf, statePath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected state file written by the valid message that follows: %v", err)
	}
}

func TestRunUnknownTypeDoesNotClearExistingState(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "chrome_state.json")

	active := `{"type":"meeting_state","url":"https://meet.google.com/xyz","is_active":true,"muted":false,"participants":[]}`
	unknown := `{"type":"something_else"}`

	var buf bytes.Buffer
	buf.Write(encodeMessage(t, active))
	buf.Write(encodeMessage(t, unknown))

	if err := Run(&buf, statePath); err != nil {
		t.Fatalf("Run: %v", err)
	}

	contents, _ := os.ReadFile(statePath)
	var parsed map[string]any
	_ = json.Unmarshal(contents, &parsed)
	meeting := parsed["meeting"].(map[string]any)
	if meeting["url"] != "https://meet.google.com/xyz" {
		t.Fatalf("unexpected url after unknown message: %v", meeting["url"])
	}
}
