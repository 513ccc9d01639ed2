package transcript

import (
	"sort"

	"hearth/streamtypes"
)

// Accumulator merges per-channel TranscriptResponse events into an
// append-only final word stream plus a live partial view. Safe for single
// writer goroutine use per session; one Accumulator per call/meeting.
type Accumulator struct {
	channels map[int32]*channelState
}

// New creates an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{channels: make(map[int32]*channelState)}
}

func (a *Accumulator) channel(idx int32) *channelState {
	c, ok := a.channels[idx]
	if !ok {
		c = &channelState{}
		a.channels[idx] = c
	}
	return c
}

// Process folds one StreamResponse into the accumulator and returns the
// resulting update. Non-transcript variants (speech-started, utterance-end,
// terminal, error) carry no words and yield nil.
func (a *Accumulator) Process(resp streamtypes.StreamResponse) *TranscriptUpdate {
	tr, ok := resp.(streamtypes.TranscriptResponse)
	if !ok {
		return nil
	}
	if len(tr.Channel.Alternatives) == 0 {
		return nil
	}

	channelIdx := int32(0)
	if len(tr.ChannelIndex) > 0 {
		channelIdx = tr.ChannelIndex[0]
	}

	alt := tr.Channel.Alternatives[0]
	words := assemble(alt.Words, alt.Transcript, channelIdx)
	c := a.channel(channelIdx)

	update := &TranscriptUpdate{}
	if tr.IsFinal {
		update.NewFinalWords = c.applyFinal(words)
	} else {
		c.applyPartial(words)
	}
	update.PartialWords = a.allPartials()
	return update
}

// Flush drains every channel's held-back word and partial view as final,
// for end-of-session. One-shot: subsequent calls return an empty update.
func (a *Accumulator) Flush() *TranscriptUpdate {
	update := &TranscriptUpdate{}
	for _, idx := range a.sortedChannelKeys() {
		update.NewFinalWords = append(update.NewFinalWords, a.channels[idx].drain()...)
	}
	return update
}

func (a *Accumulator) allPartials() []TranscriptWord {
	var all []TranscriptWord
	for _, idx := range a.sortedChannelKeys() {
		all = append(all, a.channels[idx].partials...)
	}
	return all
}

func (a *Accumulator) sortedChannelKeys() []int32 {
	keys := make([]int32, 0, len(a.channels))
	for k := range a.channels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
