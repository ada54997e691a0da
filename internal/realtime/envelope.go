package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEnvelopeParse marks a malformed inbound message. The session logs and
// surfaces it but keeps running.
var ErrEnvelopeParse = errors.New("envelope parse error")

// Event is one inbound occurrence on the voice channel, delivered in
// arrival order.
type Event interface {
	eventType() string
}

// ReadyEvent signals the channel is open and the remote endpoint will
// consume outbound audio.
type ReadyEvent struct{}

func (ReadyEvent) eventType() string { return "ready" }

// AudioChunkEvent carries one decoded chunk of agent audio.
type AudioChunkEvent struct {
	Data []byte
}

func (AudioChunkEvent) eventType() string { return "audio" }

// UserTranscriptEvent carries the recognized text of a user turn.
type UserTranscriptEvent struct {
	Text string
}

func (UserTranscriptEvent) eventType() string { return "user_transcript" }

// AgentResponseEvent carries the agent's spoken response text. Text may be
// empty; callers decide whether an empty response counts as an utterance.
type AgentResponseEvent struct {
	Text string
}

func (AgentResponseEvent) eventType() string { return "agent_response" }

// InterruptionEvent signals barge-in: agent speech was cut off.
type InterruptionEvent struct{}

func (InterruptionEvent) eventType() string { return "interruption" }

// ErrorEvent surfaces a channel-level or parse failure without terminating
// the session.
type ErrorEvent struct {
	Err    error
	Detail string
}

func (ErrorEvent) eventType() string { return "error" }

// ClosedEvent is the final event on the channel.
type ClosedEvent struct {
	Reason string
}

func (ClosedEvent) eventType() string { return "closed" }

// envelope is the textual wire shape shared by inbound and outbound
// messages. The type field is the discriminator; exactly one payload field
// is populated per kind.
type envelope struct {
	Type           string             `json:"type"`
	Audio          string             `json:"audio,omitempty"`
	UserTranscript *transcriptPayload `json:"user_transcript,omitempty"`
	AgentResponse  *responsePayload   `json:"agent_response,omitempty"`
	PingEvent      *pingPayload       `json:"ping_event,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type transcriptPayload struct {
	Transcript string `json:"transcript"`
}

type responsePayload struct {
	Transcript string `json:"transcript"`
}

type pingPayload struct {
	EventID int64 `json:"event_id"`
}

// outboundAudio is the envelope for one captured PCM frame.
type outboundAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// outboundPong acknowledges a keepalive ping.
type outboundPong struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// housekeeping message kinds the protocol sends but the pipeline has no use
// for; they are dropped after decoding rather than failing closed.
var ignoredKinds = map[string]struct{}{
	"conversation_initiation_metadata":  {},
	"internal_tentative_agent_response": {},
	"agent_response_correction":         {},
}

// decodeEnvelope validates the discriminator and converts the message into
// an Event. Return values:
//   - (event, 0, nil): a session event to dispatch
//   - (nil, id, nil) with isPing true: a keepalive ping to acknowledge
//   - (nil, 0, nil): a known housekeeping kind, dropped
//   - (nil, 0, err): malformed input; err wraps ErrEnvelopeParse
func decodeEnvelope(data []byte) (ev Event, pingID int64, isPing bool, err error) {
	var env envelope
	if jerr := json.Unmarshal(data, &env); jerr != nil {
		return nil, 0, false, fmt.Errorf("%w: %v", ErrEnvelopeParse, jerr)
	}

	switch env.Type {
	case "audio":
		raw, derr := base64.StdEncoding.DecodeString(env.Audio)
		if derr != nil {
			return nil, 0, false, fmt.Errorf("%w: bad audio payload: %v", ErrEnvelopeParse, derr)
		}
		return AudioChunkEvent{Data: raw}, 0, false, nil
	case "user_transcript":
		if env.UserTranscript == nil {
			return nil, 0, false, fmt.Errorf("%w: user_transcript missing payload", ErrEnvelopeParse)
		}
		return UserTranscriptEvent{Text: env.UserTranscript.Transcript}, 0, false, nil
	case "agent_response":
		text := ""
		if env.AgentResponse != nil {
			text = env.AgentResponse.Transcript
		}
		return AgentResponseEvent{Text: text}, 0, false, nil
	case "interruption":
		return InterruptionEvent{}, 0, false, nil
	case "ping":
		if env.PingEvent == nil {
			return nil, 0, false, fmt.Errorf("%w: ping missing ping_event", ErrEnvelopeParse)
		}
		return nil, env.PingEvent.EventID, true, nil
	case "error":
		return ErrorEvent{Err: ErrTransport, Detail: env.Error}, 0, false, nil
	case "":
		return nil, 0, false, fmt.Errorf("%w: missing type discriminator", ErrEnvelopeParse)
	default:
		if _, ok := ignoredKinds[env.Type]; ok {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("%w: unknown type %q", ErrEnvelopeParse, env.Type)
	}
}

// encodeAudioFrame wraps raw PCM bytes in the outbound audio envelope.
func encodeAudioFrame(pcm []byte) ([]byte, error) {
	return json.Marshal(outboundAudio{
		Type:  "user_audio_chunk",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// encodePong builds the keepalive acknowledgment for a ping event id.
func encodePong(eventID int64) ([]byte, error) {
	return json.Marshal(outboundPong{Type: "pong", EventID: eventID})
}
