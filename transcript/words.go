// Package transcript merges the noisy, overlapping, partially-revised
// stream of per-channel TranscriptResponse events into a clean, append-only
// word sequence with stable IDs, plus a best-effort partial view for live
// display. Ported from the reference transcript accumulator.
package transcript

import (
	"strings"

	"github.com/google/uuid"

	"hearth/streamtypes"
)

// TranscriptWord is the canonical merged unit emitted by the accumulator.
type TranscriptWord struct {
	ID      string
	Text    string
	StartMs int64
	EndMs   int64
	Channel int32
	Speaker *int32
}

// TranscriptUpdate is returned by every Process call. NewFinalWords are
// append-only deltas since the last update; PartialWords replace the
// caller's prior partial set wholesale.
type TranscriptUpdate struct {
	NewFinalWords []TranscriptWord
	PartialWords  []TranscriptWord
}

// assemble folds raw ASR tokens into TranscriptWords, recovering spacing
// from the transcript string. Adjacent tokens lacking a space prefix and
// separated by <=120ms are merged (split punctuation, contractions).
func assemble(raw []streamtypes.Word, transcript string, channel int32) []TranscriptWord {
	spaced := spacingFromTranscript(raw, transcript)
	result := make([]TranscriptWord, 0, len(raw))

	for i, w := range raw {
		text := spaced[i]
		startMs := int64(roundHalfAwayFromZero(w.Start * 1000.0))
		endMs := int64(roundHalfAwayFromZero(w.End * 1000.0))

		shouldMerge := !strings.HasPrefix(text, " ") &&
			len(result) > 0 &&
			startMs-result[len(result)-1].EndMs <= 120

		if shouldMerge {
			last := &result[len(result)-1]
			last.Text += text
			last.EndMs = endMs
			if last.Speaker == nil {
				last.Speaker = w.Speaker
			}
			continue
		}

		result = append(result, TranscriptWord{
			Text:    text,
			StartMs: startMs,
			EndMs:   endMs,
			Channel: channel,
			Speaker: w.Speaker,
		})
	}

	return result
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

// spacingFromTranscript recovers each raw token's leading-space form by
// locating it (in order) inside the provider's transcript string; falls
// back to the token's own text when it cannot be found (out-of-order or
// heavily normalized transcripts).
func spacingFromTranscript(raw []streamtypes.Word, transcript string) []string {
	result := make([]string, 0, len(raw))
	pos := 0

	for _, w := range raw {
		text := w.Word
		if w.PunctuatedWord != nil {
			text = *w.PunctuatedWord
		}
		trimmed := strings.TrimSpace(text)

		if trimmed == "" {
			result = append(result, text)
			continue
		}

		rest := transcript[min(pos, len(transcript)):]
		if found := strings.Index(rest, trimmed); found >= 0 {
			abs := pos + found
			result = append(result, transcript[pos:abs]+trimmed)
			pos = abs + len(trimmed)
		} else {
			result = append(result, text)
		}
	}

	return result
}

// dedup drops words already covered by the watermark.
func dedup(words []TranscriptWord, watermarkMs int64) []TranscriptWord {
	i := 0
	for i < len(words) && words[i].EndMs <= watermarkMs {
		i++
	}
	return words[i:]
}

// stitch merges a held-back word with the front of a new batch when they
// look like two halves of the same token, then holds back the new batch's
// last word for the next boundary.
func stitch(held *TranscriptWord, words []TranscriptWord) ([]TranscriptWord, *TranscriptWord) {
	if len(words) == 0 {
		return nil, held
	}

	if held != nil {
		if shouldStitch(held, &words[0]) {
			words[0] = mergeWords(*held, words[0])
		} else {
			words = append([]TranscriptWord{*held}, words...)
		}
	}

	newHeld := words[len(words)-1]
	return words[:len(words)-1], &newHeld
}

// splice replaces the time range covered by incoming within existing,
// preserving ordering. General-purpose range-replacement utility.
func splice(existing []TranscriptWord, incoming []TranscriptWord) []TranscriptWord {
	var firstStart, lastEnd int64
	if len(incoming) > 0 {
		firstStart = incoming[0].StartMs
		lastEnd = incoming[len(incoming)-1].EndMs
	}

	result := make([]TranscriptWord, 0, len(existing)+len(incoming))
	for _, w := range existing {
		if w.EndMs <= firstStart {
			result = append(result, w)
		}
	}
	result = append(result, incoming...)
	for _, w := range existing {
		if w.StartMs >= lastEnd {
			result = append(result, w)
		}
	}
	return result
}

// stripOverlap removes partials that overlap with the finalized time range.
func stripOverlap(partials []TranscriptWord, finalEnd int64) []TranscriptWord {
	result := make([]TranscriptWord, 0, len(partials))
	for _, w := range partials {
		if w.StartMs > finalEnd {
			result = append(result, w)
		}
	}
	return result
}

func assignID(w TranscriptWord) TranscriptWord {
	w.ID = uuid.New().String()
	return w
}

func ensureSpacePrefix(w *TranscriptWord) {
	if !strings.HasPrefix(w.Text, " ") {
		w.Text = " " + w.Text
	}
}

func shouldStitch(tail, head *TranscriptWord) bool {
	return !strings.HasPrefix(head.Text, " ") && (head.StartMs-tail.EndMs) <= 300
}

func mergeWords(left, right TranscriptWord) TranscriptWord {
	left.Text += right.Text
	left.EndMs = right.EndMs
	if left.Speaker == nil {
		left.Speaker = right.Speaker
	}
	return left
}
