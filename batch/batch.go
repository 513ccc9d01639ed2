// Package batch implements the one-shot, whole-file transcription path:
// a single Response assembled from a transcription engine plus an optional
// diarization pass, with progress reporting and a pyannote-class
// submit/poll/collect job contract wrapped around the teacher's
// synchronous sherpa-onnx diarizer.
package batch

import (
	"context"
	"fmt"
	"strings"

	"hearth/ai"
	"hearth/streamtypes"
)

// ResultAlternative is one ranked transcription hypothesis for a channel.
type ResultAlternative struct {
	Transcript string
	Words      []streamtypes.Word
	Confidence float64
}

// ResultChannel carries a channel's alternatives; batch transcription
// reports exactly one alternative per channel.
type ResultChannel struct {
	Alternatives []ResultAlternative
}

// Results is the per-channel body of a Response.
type Results struct {
	Channels []ResultChannel
}

// Metadata identifies the run that produced a Response.
type Metadata struct {
	RequestID string
	Provider  string
	Channels  int
}

// Response is the canonical one-shot transcription output.
type Response struct {
	Metadata Metadata
	Results  Results
}

// ProgressUpdate is yielded during a Transcribe call where the underlying
// provider supports streaming progress. The final update always carries
// Percentage == 1.0 and a fully populated Partial.
type ProgressUpdate struct {
	Partial    *Response
	Percentage float64
}

// ProgressFunc receives zero or more ProgressUpdate values culminating in
// one with Percentage == 1.0.
type ProgressFunc func(ProgressUpdate)

// Options configures a single Transcribe call.
type Options struct {
	RequestID  string
	Provider   string
	Diarizer   *ai.SherpaDiarizer // nil disables diarization
	PollConfig PollConfig
}

// Transcribe runs the teacher's transcription engine over a full-file PCM
// buffer and, if a diarizer is configured, submits a diarization job and
// collapses both results into one Response. Mirrors
// ai.AudioPipeline.Process's two-stage shape, but drives diarization
// through the job-polling contract instead of calling Diarize inline.
func Transcribe(ctx context.Context, engine ai.TranscriptionEngine, samples []float32, opts Options, progress ProgressFunc) (*Response, error) {
	if len(samples) == 0 {
		return emptyResponse(opts), nil
	}

	segments, err := engine.TranscribeWithSegments(samples)
	if err != nil {
		return nil, fmt.Errorf("batch: transcription failed: %w", err)
	}

	if progress != nil {
		progress(ProgressUpdate{Partial: buildResponse(opts, segments), Percentage: 0.5})
	}

	if opts.Diarizer != nil {
		pollCfg := opts.PollConfig
		if pollCfg.Interval == 0 || pollCfg.Timeout == 0 {
			pollCfg = DefaultPollConfig()
		}
		job := StartDiarizationJob(opts.Diarizer, samples)
		speakerSegments, err := PollUntilDone(ctx, job, pollCfg)
		if err != nil {
			return nil, fmt.Errorf("batch: diarization: %w", err)
		}
		segments = opts.Diarizer.DiarizeWithTranscription(segments, speakerSegments)
	}

	resp := buildResponse(opts, segments)
	if progress != nil {
		progress(ProgressUpdate{Partial: resp, Percentage: 1.0})
	}
	return resp, nil
}

func emptyResponse(opts Options) *Response {
	return &Response{
		Metadata: Metadata{RequestID: opts.RequestID, Provider: opts.Provider, Channels: 1},
		Results:  Results{Channels: []ResultChannel{{Alternatives: []ResultAlternative{{}}}}},
	}
}

func buildResponse(opts Options, segments []ai.TranscriptSegment) *Response {
	var transcript strings.Builder
	words := make([]streamtypes.Word, 0)
	var confidenceSum float64
	var confidenceCount int

	for i, seg := range segments {
		if i > 0 {
			transcript.WriteByte(' ')
		}
		transcript.WriteString(seg.Text)

		for _, w := range seg.Words {
			confidenceSum += float64(w.P)
			confidenceCount++
			words = append(words, streamtypes.Word{
				Word:  w.Text,
				Start: float64(w.Start) / 1000.0,
				End:   float64(w.End) / 1000.0,
			})
		}
	}

	var confidence float64
	if confidenceCount > 0 {
		confidence = confidenceSum / float64(confidenceCount)
	}

	return &Response{
		Metadata: Metadata{RequestID: opts.RequestID, Provider: opts.Provider, Channels: 1},
		Results: Results{Channels: []ResultChannel{{Alternatives: []ResultAlternative{{
			Transcript: transcript.String(), Words: words, Confidence: confidence,
		}}}}},
	}
}
