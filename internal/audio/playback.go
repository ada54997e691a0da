package audio

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/sunny-voice-lab/internal/logging"
)

// OutputSink is the narrow capability surface over the avatar renderer.
// Nothing else of the vendor SDK is visible to the pipeline.
type OutputSink interface {
	Attach() error
	PushAudioChunk(pcm []byte) error
	Close() error
}

// NoopSink discards audio. Used for avatar-less calls, where agent speech
// is delivered by the voice channel itself and nothing renders it locally.
type NoopSink struct{}

func (NoopSink) Attach() error                   { return nil }
func (NoopSink) PushAudioChunk(pcm []byte) error { return nil }
func (NoopSink) Close() error                    { return nil }

// opus decode buffer: 120 ms at 48 kHz is the longest legal opus frame.
const maxOpusFrameSamples = 5760

// Player consumes inbound agent audio chunks, decodes compressed payloads
// to PCM, and forwards them to the attached sink. It runs concurrently
// with session event processing and never touches session state.
type Player struct {
	sink OutputSink
	dec  *opus.Decoder
}

// NewPlayer attaches the sink and prepares a decoder when the agent audio
// encoding is "opus". For "pcm" chunks pass through untouched.
func NewPlayer(sink OutputSink, encoding string) (*Player, error) {
	p := &Player{sink: sink}
	switch encoding {
	case "pcm":
	case "opus":
		dec, err := opus.NewDecoder(SampleRate, Channels)
		if err != nil {
			return nil, fmt.Errorf("opus decoder: %w", err)
		}
		p.dec = dec
	default:
		return nil, fmt.Errorf("unsupported agent audio encoding %q", encoding)
	}
	if err := sink.Attach(); err != nil {
		return nil, fmt.Errorf("attach output sink: %w", err)
	}
	return p, nil
}

// Push hands one inbound chunk to the sink. Decode failures are logged and
// the chunk dropped; one bad chunk must not take the playback path down.
func (p *Player) Push(chunk []byte) {
	pcm := chunk
	if p.dec != nil {
		buf := make([]int16, maxOpusFrameSamples)
		n, err := p.dec.Decode(chunk, buf)
		if err != nil {
			logging.Warnw("playback: opus decode failed, dropping chunk", "err", err, "bytes", len(chunk))
			return
		}
		pcm = make([]byte, n*BytesPerSample)
		for i := 0; i < n; i++ {
			pcm[2*i] = byte(buf[i])
			pcm[2*i+1] = byte(buf[i] >> 8)
		}
	}
	if err := p.sink.PushAudioChunk(pcm); err != nil {
		logging.Warnw("playback: sink rejected chunk", "err", err, "bytes", len(pcm))
	}
}

// Close releases the sink.
func (p *Player) Close() error { return p.sink.Close() }
