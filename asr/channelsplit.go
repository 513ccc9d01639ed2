package asr

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	sampleBytes = 2
	frameBytes  = sampleBytes * 2
)

// deinterleave splits a dual-channel PCM16 byte stream (2 bytes mic + 2
// bytes speaker per frame) into two mono byte streams. Any trailing partial
// frame is dropped.
func deinterleave(interleaved []byte) (mic, spk []byte) {
	numFrames := len(interleaved) / frameBytes
	mic = make([]byte, 0, numFrames*sampleBytes)
	spk = make([]byte, 0, numFrames*sampleBytes)

	for i := 0; i < numFrames; i++ {
		frame := interleaved[i*frameBytes : (i+1)*frameBytes]
		mic = append(mic, frame[:sampleBytes]...)
		spk = append(spk, frame[sampleBytes:]...)
	}
	return mic, spk
}

// stampChannelIndex annotates a "Results"-typed upstream event with
// channel_index: [channel, total]. Non-"Results" events and invalid JSON
// pass through unstamped; invalid JSON returns ok=false.
func stampChannelIndex(text string, channel, total int32) (string, bool) {
	var value map[string]any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return "", false
	}

	if t, _ := value["type"].(string); t == "Results" {
		value["channel_index"] = [2]int32{channel, total}
	}

	out, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// ChannelSplitProxy fans a single dual-channel client connection out into
// two independent upstream ASR sessions (mic, speaker), deinterleaving
// binary audio frames on the way in and stamping + merging text responses
// on the way out. Mirrors the relay's upstream connection pairing without
// depending on any particular provider.
type ChannelSplitProxy struct {
	Client *websocket.Conn
	Mic    *websocket.Conn
	Spk    *websocket.Conn
}

// Run relays traffic until the client disconnects, either upstream closes,
// or ctx is canceled. All four legs (client->upstreams, mic->merged,
// spk->merged, merged->client) share one context: every leg returns nil,
// and the three reading legs cancel that shared context when they exit,
// which stops the others at their next context check.
func (p *ChannelSplitProxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan []byte, 64)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.relayClientToUpstreams(ctx, cancel) })
	g.Go(func() error { return p.relayUpstreamToMerged(ctx, cancel, p.Mic, 0, merged) })
	g.Go(func() error { return p.relayUpstreamToMerged(ctx, cancel, p.Spk, 1, merged) })
	g.Go(func() error { return p.relayMergedToClient(ctx, merged) })

	return g.Wait()
}

func (p *ChannelSplitProxy) relayClientToUpstreams(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, data, err := p.Client.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		mic, spk := deinterleave(data)
		if err := p.Mic.WriteMessage(websocket.BinaryMessage, mic); err != nil {
			return nil
		}
		if err := p.Spk.WriteMessage(websocket.BinaryMessage, spk); err != nil {
			return nil
		}
	}
}

func (p *ChannelSplitProxy) relayUpstreamToMerged(ctx context.Context, cancel context.CancelFunc, upstream *websocket.Conn, channel int32, merged chan<- []byte) error {
	defer cancel()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, data, err := upstream.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}
		stamped, ok := stampChannelIndex(string(data), channel, 2)
		if !ok {
			continue
		}
		select {
		case merged <- []byte(stamped):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *ChannelSplitProxy) relayMergedToClient(ctx context.Context, merged <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-merged:
			if !ok {
				return nil
			}
			if err := p.Client.WriteMessage(websocket.TextMessage, msg); err != nil {
				return nil
			}
		}
	}
}
