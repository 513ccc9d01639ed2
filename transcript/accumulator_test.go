package transcript

import (
	"testing"

	"hearth/streamtypes"
)

func finalResponse(channel int32, transcript string, words []streamtypes.Word) streamtypes.StreamResponse {
	return streamtypes.TranscriptResponse{
		IsFinal:      true,
		ChannelIndex: []int32{channel, 1},
		Channel: streamtypes.Channel{
			Alternatives: []streamtypes.Alternatives{{Transcript: transcript, Words: words}},
		},
	}
}

func partialResponse(channel int32, transcript string, words []streamtypes.Word) streamtypes.StreamResponse {
	return streamtypes.TranscriptResponse{
		IsFinal:      false,
		ChannelIndex: []int32{channel, 1},
		Channel: streamtypes.Channel{
			Alternatives: []streamtypes.Alternatives{{Transcript: transcript, Words: words}},
		},
	}
}

func TestAccumulatorFinalEmitsWords(t *testing.T) {
	acc := New()
	update := acc.Process(finalResponse(0, "hello world", []streamtypes.Word{
		{Word: "hello", Start: 0.1, End: 0.5},
		{Word: "world", Start: 0.6, End: 0.9},
	}))
	if update == nil || len(update.NewFinalWords) == 0 {
		t.Fatalf("expected at least one final word emitted, got %+v", update)
	}
}

func TestAccumulatorFinalDeduplicatesRepeatedResponse(t *testing.T) {
	acc := New()
	raw := []streamtypes.Word{
		{Word: "Hello", Start: 0.1, End: 0.5},
		{Word: "World", Start: 0.6, End: 0.9},
	}

	first := acc.Process(finalResponse(0, "Hello World", raw))
	if first == nil || len(first.NewFinalWords) == 0 {
		t.Fatalf("expected non-empty result on first process, got %+v", first)
	}

	second := acc.Process(finalResponse(0, "Hello World", raw))
	if second == nil {
		t.Fatalf("expected a non-nil update on repeat")
	}
	if len(second.NewFinalWords) != 0 {
		t.Fatalf("expected empty final words on exact repeat, got %+v", second.NewFinalWords)
	}
}

func TestAccumulatorPartialReplacesWholesale(t *testing.T) {
	acc := New()
	acc.Process(partialResponse(0, "hel", []streamtypes.Word{{Word: "hel", Start: 0.0, End: 0.3}}))
	update := acc.Process(partialResponse(0, "hello", []streamtypes.Word{{Word: "hello", Start: 0.0, End: 0.4}}))
	if update == nil || len(update.PartialWords) != 1 {
		t.Fatalf("expected partial view to be replaced wholesale, got %+v", update)
	}
	if update.PartialWords[0].Text != "hello" {
		t.Fatalf("expected latest partial text, got %q", update.PartialWords[0].Text)
	}
}

func TestAccumulatorFinalClearsOverlappingPartials(t *testing.T) {
	acc := New()
	acc.Process(partialResponse(0, "hello there", []streamtypes.Word{
		{Word: "hello", Start: 0.1, End: 0.5},
		{Word: "there", Start: 0.6, End: 0.9},
	}))

	update := acc.Process(finalResponse(0, "hello there", []streamtypes.Word{
		{Word: "hello", Start: 0.1, End: 0.5},
		{Word: "there", Start: 0.6, End: 0.9},
	}))

	for _, w := range update.PartialWords {
		if w.StartMs <= 900 {
			t.Fatalf("expected finalized range stripped from partials, found %+v", w)
		}
	}
}

func TestAccumulatorTracksChannelsIndependently(t *testing.T) {
	acc := New()
	acc.Process(finalResponse(0, "hello", []streamtypes.Word{{Word: "hello", Start: 0.1, End: 0.5}}))
	update := acc.Process(finalResponse(1, "world again", []streamtypes.Word{
		{Word: "world", Start: 0.1, End: 0.5},
		{Word: "again", Start: 0.6, End: 0.9},
	}))
	if update == nil || len(update.NewFinalWords) == 0 {
		t.Fatalf("expected channel 1 to emit independently of channel 0, got %+v", update)
	}
	if update.NewFinalWords[0].Channel != 1 {
		t.Fatalf("expected emitted word tagged with channel 1, got %d", update.NewFinalWords[0].Channel)
	}
}

func TestAccumulatorNonTranscriptResponseYieldsNil(t *testing.T) {
	acc := New()
	update := acc.Process(streamtypes.SpeechStartedResponse{Channel: 0, Timestamp: 0.1})
	if update != nil {
		t.Fatalf("expected nil update for non-transcript response, got %+v", update)
	}
}

func TestAccumulatorFlushDrainsHeldAndPartials(t *testing.T) {
	acc := New()
	acc.Process(finalResponse(0, "hel lo", []streamtypes.Word{
		{Word: "hel", Start: 0.0, End: 0.3},
		{Word: "lo", Start: 1.0, End: 1.3},
	}))
	acc.Process(partialResponse(0, "world", []streamtypes.Word{{Word: "world", Start: 2.0, End: 2.3}}))

	update := acc.Flush()
	if len(update.NewFinalWords) < 2 {
		t.Fatalf("expected flush to drain held word and pending partial, got %+v", update.NewFinalWords)
	}

	again := acc.Flush()
	if len(again.NewFinalWords) != 0 {
		t.Fatalf("expected second flush to be a no-op, got %+v", again.NewFinalWords)
	}
}
