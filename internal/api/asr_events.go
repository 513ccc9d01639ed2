package api

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"hearth/asr"
	"hearth/batch"
	"hearth/streamtypes"
	"hearth/transcript"
)

// decodeBase64PCM decodes a base64 payload of little-endian float32 PCM
// samples, the same sample shape ai.TranscriptionEngine.TranscribeWithSegments
// expects throughout this repo.
func decodeBase64PCM(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4 bytes", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// encodeInt16PCM encodes float32 samples as little-endian int16 PCM, the
// wire shape asr.LocalAdapter.AudioToMessage decodes on the other end.
func encodeInt16PCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v*32767)))
	}
	return out
}

// streamASRSession drains a live provider session's Lifecycle and
// Responses channels and rebroadcasts them as the same Lifecycle/Data/Error
// envelope regardless of which adapter or transport (WS/gRPC) is carrying
// it downstream — grounded in the teacher's own transportClient fan-out
// (s.broadcast already reaches every ws and grpc client transparently).
// Returns once both channels are drained and closed, which the Session
// guarantees happens by the time it reaches StateClosed.
func (s *Server) streamASRSession(sessionID string, sess *asr.Session) {
	acc := transcript.New()
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for ev := range sess.Lifecycle {
			errText := ""
			if ev.Err != nil {
				errText = ev.Err.Error()
			}
			s.broadcast(Message{
				Type:        "asr_lifecycle",
				SessionID:   sessionID,
				ASRState:    ev.State.String(),
				ASRDegraded: ev.Degraded,
				Error:       errText,
			})
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for resp := range sess.Responses {
			s.broadcastASRResponse(sessionID, acc, resp)
		}
	}()

	<-done
	<-done
}

func (s *Server) broadcastASRResponse(sessionID string, acc *transcript.Accumulator, resp streamtypes.StreamResponse) {
	switch r := resp.(type) {
	case streamtypes.ErrorResponse:
		s.broadcast(Message{
			Type:        "asr_error",
			SessionID:   sessionID,
			ASRProvider: r.Provider,
			Error:       r.ErrorMessage,
		})
	case streamtypes.TerminalResponse:
		if update := acc.Flush(); update != nil {
			s.broadcastTranscriptUpdate(sessionID, update)
		}
	default:
		if update := acc.Process(resp); update != nil {
			s.broadcastTranscriptUpdate(sessionID, update)
		}
	}
}

func (s *Server) broadcastTranscriptUpdate(sessionID string, update *transcript.TranscriptUpdate) {
	for _, w := range update.NewFinalWords {
		s.broadcast(Message{
			Type:                 "asr_data",
			SessionID:            sessionID,
			StreamingText:        w.Text,
			StreamingIsConfirmed: true,
			StreamingTimestamp:   w.StartMs,
		})
	}
	for _, w := range update.PartialWords {
		s.broadcast(Message{
			Type:                 "asr_data",
			SessionID:            sessionID,
			StreamingText:        w.Text,
			StreamingIsConfirmed: false,
			StreamingTimestamp:   w.StartMs,
		})
	}
}

// batchProgressFunc adapts the server's broadcast into a batch.ProgressFunc
// so a batch.Transcribe call reports through the same envelope a live
// provider session uses, just under the batch_progress Type instead of
// asr_lifecycle/asr_data.
func (s *Server) batchProgressFunc(sessionID string) batch.ProgressFunc {
	return func(update batch.ProgressUpdate) {
		s.broadcast(Message{
			Type:            "batch_progress",
			SessionID:       sessionID,
			BatchPercentage: update.Percentage,
		})
	}
}
