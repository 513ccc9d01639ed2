package batch

import (
	"context"
	"testing"

	"hearth/ai"
)

// mockEngine implements ai.TranscriptionEngine with canned segments, in the
// same style as ai/pipeline_test.go's mockTranscriber.
type mockEngine struct {
	segments []ai.TranscriptSegment
}

func (m *mockEngine) Name() string { return "mock" }
func (m *mockEngine) Transcribe(samples []float32, useContext bool) (string, error) {
	return "", nil
}
func (m *mockEngine) TranscribeWithSegments(samples []float32) ([]ai.TranscriptSegment, error) {
	return m.segments, nil
}
func (m *mockEngine) TranscribeHighQuality(samples []float32) ([]ai.TranscriptSegment, error) {
	return m.segments, nil
}
func (m *mockEngine) SetLanguage(lang string)      {}
func (m *mockEngine) SetModel(path string) error   { return nil }
func (m *mockEngine) SupportedLanguages() []string { return []string{"en"} }
func (m *mockEngine) Close()                       {}

func TestTranscribeEmptySamplesReturnsEmptyResponse(t *testing.T) {
	engine := &mockEngine{}
	resp, err := Transcribe(context.Background(), engine, nil, Options{RequestID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Metadata.RequestID != "r1" {
		t.Fatalf("expected request id to carry through, got %q", resp.Metadata.RequestID)
	}
	if len(resp.Results.Channels) != 1 {
		t.Fatalf("expected one channel, got %d", len(resp.Results.Channels))
	}
}

func TestTranscribeJoinsSegmentsAndWords(t *testing.T) {
	engine := &mockEngine{segments: []ai.TranscriptSegment{
		{Start: 0, End: 500, Text: "hello", Words: []ai.TranscriptWord{
			{Start: 0, End: 500, Text: "hello", P: 0.9},
		}},
		{Start: 500, End: 1000, Text: "world", Words: []ai.TranscriptWord{
			{Start: 500, End: 1000, Text: "world", P: 0.7},
		}},
	}}

	samples := make([]float32, 16000)
	resp, err := Transcribe(context.Background(), engine, samples, Options{RequestID: "r2", Provider: "local"}, nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	alt := resp.Results.Channels[0].Alternatives[0]
	if alt.Transcript != "hello world" {
		t.Fatalf("expected joined transcript, got %q", alt.Transcript)
	}
	if len(alt.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(alt.Words))
	}
	if alt.Words[1].Start != 0.5 {
		t.Fatalf("expected word start in seconds, got %v", alt.Words[1].Start)
	}
	wantConfidence := (0.9 + 0.7) / 2
	if diff := alt.Confidence - wantConfidence; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected averaged confidence %v, got %v", wantConfidence, alt.Confidence)
	}
}

func TestTranscribeReportsProgress(t *testing.T) {
	engine := &mockEngine{segments: []ai.TranscriptSegment{{Text: "hi"}}}
	samples := make([]float32, 16000)

	var updates []ProgressUpdate
	_, err := Transcribe(context.Background(), engine, samples, Options{}, func(u ProgressUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 progress updates, got %d", len(updates))
	}
	if updates[len(updates)-1].Percentage != 1.0 {
		t.Fatalf("expected final update at 100%%, got %v", updates[len(updates)-1].Percentage)
	}
}
