package asr

import (
	"encoding/json"
	"testing"
)

func TestDeinterleaveBasic(t *testing.T) {
	mic := []byte{0x01, 0x00}
	spk := []byte{0x02, 0x00}
	interleaved := []byte{mic[0], mic[1], spk[0], spk[1]}

	gotMic, gotSpk := deinterleave(interleaved)
	if string(gotMic) != string(mic) {
		t.Fatalf("expected mic %v, got %v", mic, gotMic)
	}
	if string(gotSpk) != string(spk) {
		t.Fatalf("expected spk %v, got %v", spk, gotSpk)
	}
}

func TestDeinterleaveMultipleFrames(t *testing.T) {
	interleaved := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	mic, spk := deinterleave(interleaved)
	wantMic := []byte{0x01, 0x00, 0x03, 0x00}
	wantSpk := []byte{0x02, 0x00, 0x04, 0x00}
	if string(mic) != string(wantMic) {
		t.Fatalf("expected mic %v, got %v", wantMic, mic)
	}
	if string(spk) != string(wantSpk) {
		t.Fatalf("expected spk %v, got %v", wantSpk, spk)
	}
}

func TestDeinterleaveEmpty(t *testing.T) {
	mic, spk := deinterleave(nil)
	if len(mic) != 0 || len(spk) != 0 {
		t.Fatalf("expected both channels empty, got mic=%v spk=%v", mic, spk)
	}
}

func TestStampChannelIndexResults(t *testing.T) {
	input := `{"type":"Results","channel_index":[0,1],"start":0.0}`
	result, ok := stampChannelIndex(input, 1, 2)
	if !ok {
		t.Fatalf("expected stamping to succeed")
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	idx, ok := parsed["channel_index"].([]any)
	if !ok || len(idx) != 2 {
		t.Fatalf("expected channel_index [1,2], got %v", parsed["channel_index"])
	}
}

func TestStampChannelIndexNonResults(t *testing.T) {
	input := `{"type":"Metadata","request_id":"abc"}`
	result, ok := stampChannelIndex(input, 1, 2)
	if !ok {
		t.Fatalf("expected stamping to succeed even when untouched")
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if _, present := parsed["channel_index"]; present {
		t.Fatalf("expected no channel_index on a non-Results event")
	}
}

func TestStampChannelIndexInvalidJSON(t *testing.T) {
	if _, ok := stampChannelIndex("not json", 0, 2); ok {
		t.Fatalf("expected invalid JSON to report ok=false")
	}
}
