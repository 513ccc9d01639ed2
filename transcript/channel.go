package transcript

// channelState tracks accumulation for a single audio channel: the
// high-water mark below which incoming words are discarded as duplicates,
// a single held-back word awaiting its stitch partner at the next final
// boundary, and the live partial view.
type channelState struct {
	watermarkMs int64
	held        *TranscriptWord
	partials    []TranscriptWord
	started     bool
}

// applyFinal merges a final batch of words into the channel, returning the
// newly emitted (ID-assigned) words. The batch's raw last end_ms — not the
// emitted prefix's — becomes the new watermark, since the batch's tail word
// may be held back rather than emitted.
func (c *channelState) applyFinal(words []TranscriptWord) []TranscriptWord {
	words = dedup(words, c.watermarkMs)
	if len(words) == 0 {
		return nil
	}

	finalEnd := words[len(words)-1].EndMs
	c.watermarkMs = finalEnd

	emit, held := stitch(c.held, words)
	c.held = held

	if !c.started && len(emit) > 0 {
		ensureSpacePrefix(&emit[0])
	}
	c.started = true

	for i := range emit {
		emit[i] = assignID(emit[i])
	}

	c.partials = stripOverlap(c.partials, finalEnd)
	return emit
}

// applyPartial replaces the channel's partial view wholesale. Partials are
// never merged with held state or assigned IDs — they are a best-effort
// live preview, superseded by the next partial or final update.
func (c *channelState) applyPartial(words []TranscriptWord) {
	words = dedup(words, c.watermarkMs)
	c.partials = words
}

// drain flushes any held-back word and the current partial set as final,
// one-shot, for end-of-stream.
func (c *channelState) drain() []TranscriptWord {
	var emit []TranscriptWord
	if c.held != nil {
		emit = append(emit, assignID(*c.held))
		c.held = nil
	}
	for _, w := range c.partials {
		emit = append(emit, assignID(w))
	}
	c.partials = nil
	return emit
}
