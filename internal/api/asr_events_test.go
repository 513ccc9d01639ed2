package api

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"testing"

	"hearth/batch"
	"hearth/streamtypes"
	"hearth/transcript"
)

func encodeFloat32PCM(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeBase64PCMRoundTrips(t *testing.T) {
	want := []float32{0.1, -0.2, 0.3, 1.0}
	got, err := decodeBase64PCM(encodeFloat32PCM(want))
	if err != nil {
		t.Fatalf("decodeBase64PCM: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestDecodeBase64PCMRejectsMisalignedPayload(t *testing.T) {
	bad := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := decodeBase64PCM(bad); err == nil {
		t.Fatal("expected error for non-multiple-of-4 payload")
	}
}

func TestDecodeBase64PCMRejectsInvalidBase64(t *testing.T) {
	if _, err := decodeBase64PCM("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestBroadcastASRResponseForwardsErrorResponse(t *testing.T) {
	s := &Server{clients: make(map[transportClient]bool)}
	rec := &recordingClient{}
	s.addClient(rec)

	s.broadcastASRResponse("sess-1", transcript.New(), streamtypes.ErrorResponse{
		ErrorMessage: "boom", Provider: "deepgram",
	})

	if len(rec.sent) != 1 || rec.sent[0].Type != "asr_error" {
		t.Fatalf("expected one asr_error message, got %+v", rec.sent)
	}
	if rec.sent[0].ASRProvider != "deepgram" || rec.sent[0].Error != "boom" {
		t.Fatalf("unexpected error message: %+v", rec.sent[0])
	}
}

func TestBatchProgressFuncBroadcastsPercentage(t *testing.T) {
	s := &Server{clients: make(map[transportClient]bool)}
	rec := &recordingClient{}
	s.addClient(rec)

	s.batchProgressFunc("sess-2")(batch.ProgressUpdate{Percentage: 0.5})

	if len(rec.sent) != 1 || rec.sent[0].Type != "batch_progress" {
		t.Fatalf("expected one batch_progress message, got %+v", rec.sent)
	}
	if rec.sent[0].BatchPercentage != 0.5 {
		t.Fatalf("expected percentage 0.5, got %v", rec.sent[0].BatchPercentage)
	}
}

// recordingClient is a transportClient stub that records every message sent
// to it, standing in for a real ws/grpc client in broadcast tests.
type recordingClient struct {
	sent []Message
}

func (c *recordingClient) Send(msg Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingClient) Close() error { return nil }
