package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/metrics"
)

// ErrTransport marks a channel-level failure. Whether it is fatal depends on
// whether a ClosedEvent follows.
var ErrTransport = errors.New("transport error")

const eventBuffer = 256

// Dialer opens realtime voice channels. Construct once and inject into the
// session; it carries the collaborator endpoint and shared metrics.
type Dialer struct {
	BaseURL string
	Metrics *metrics.Metrics
}

// Conn is one duplex channel to the voice service. Inbound events arrive on
// Events() in the order received from the remote endpoint; keepalive pings
// are acknowledged inside the read loop before the next message is
// processed and never surface as events.
type Conn struct {
	ws      *websocket.Conn
	events  chan Event
	done    chan struct{}
	mt      *metrics.Metrics
	writeMu sync.Mutex
	once    sync.Once
}

// Dial opens the channel keyed by the given agent identity. The returned
// Conn has already emitted ReadyEvent as its first event.
func (d *Dialer) Dial(ctx context.Context, agentID string) (*Conn, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrTransport)
	}
	wsURL := fmt.Sprintf("%s?agent_id=%s", d.BaseURL, url.QueryEscape(agentID))

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, d.BaseURL, err)
	}

	c := &Conn{
		ws:     ws,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		mt:     d.Metrics,
	}
	// The remote consumes audio as soon as the socket is up, so readiness
	// is signaled on dial success rather than waiting for a protocol frame.
	c.events <- ReadyEvent{}
	go c.readLoop()
	return c, nil
}

// Events returns the inbound event stream. The channel is closed after the
// final ClosedEvent.
func (c *Conn) Events() <-chan Event { return c.events }

// SendAudio writes one captured PCM frame to the channel.
func (c *Conn) SendAudio(pcm []byte) error {
	payload, err := encodeAudioFrame(pcm)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", ErrTransport, err)
	}
	if err := c.write(payload); err != nil {
		return err
	}
	if c.mt != nil {
		c.mt.FramesSent.Inc()
	}
	return nil
}

// Close tears the channel down. Safe to call multiple times and safe to
// call concurrently with the read loop.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// readLoop pumps inbound messages into the event channel. Pings are
// answered synchronously here so the acknowledgment is on the wire before
// any later inbound message is even read; this is the liveness contract
// with the remote endpoint.
func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.deliver(ClosedEvent{Reason: closeReason(err)})
			return
		}

		ev, pingID, isPing, derr := decodeEnvelope(data)
		if derr != nil {
			if c.mt != nil {
				c.mt.ParseErrors.Inc()
			}
			logging.Warnw("transport: dropping malformed envelope", "err", derr, "bytes", len(data))
			c.deliver(ErrorEvent{Err: derr, Detail: "malformed message from voice service"})
			continue
		}
		if isPing {
			c.answerPing(pingID)
			continue
		}
		if ev == nil {
			continue
		}
		if c.mt != nil {
			c.mt.EventsReceived.WithLabelValues(ev.eventType()).Inc()
		}
		c.deliver(ev)
	}
}

func (c *Conn) answerPing(eventID int64) {
	payload, err := encodePong(eventID)
	if err != nil {
		logging.Errorw("transport: encode pong failed", "err", err, "event_id", eventID)
		return
	}
	if err := c.write(payload); err != nil {
		logging.Warnw("transport: pong write failed", "err", err, "event_id", eventID)
		return
	}
	if c.mt != nil {
		c.mt.PingsAnswered.Inc()
	}
	logging.Debugw("transport: keepalive ping answered", "event_id", eventID)
}

// deliver forwards an event unless the connection was closed locally; a
// consumer that already tore down must not wedge the read loop.
func (c *Conn) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Text
	}
	return err.Error()
}
