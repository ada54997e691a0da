package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/audio"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/metrics"
	"github.com/sunny-voice-lab/internal/realtime"
)

// State is the call lifecycle position. Transitions only move along the
// edges handled in handleEvent; StateEnded is terminal.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// CallResult is produced exactly once per call attempt, even when the call
// ends due to an error, and handed to the result sink.
type CallResult struct {
	Transcript      []Utterance      `json:"transcript"`
	DurationSeconds int              `json:"durationSeconds"`
	WellnessScore   int              `json:"wellnessScore"`
	Alerts          []analysis.Alert `json:"alerts"`
	Summary         string           `json:"summary"`
	CheckinID       string           `json:"checkinId,omitempty"`
}

// Transport is the duplex voice channel as the machine sees it.
type Transport interface {
	Events() <-chan realtime.Event
	SendAudio(pcm []byte) error
	Close() error
}

// DialFunc opens a transport keyed by the agent identity.
type DialFunc func(ctx context.Context, agentID string) (Transport, error)

// Playback consumes inbound agent audio. It runs concurrently with event
// processing and never touches session state.
type Playback interface {
	Push(chunk []byte)
	Close() error
}

// Analyzer scores a finished transcript. Implementations may be local
// (pure rules) or remote; either way the machine bounds the wait.
type Analyzer interface {
	Analyze(ctx context.Context, transcript []Utterance, durationSeconds int) (analysis.Result, error)
}

// ResultSink persists the finished CallResult. Persistence runs after the
// result is assembled and can never corrupt it.
type ResultSink interface {
	Persist(ctx context.Context, elderID string, result *CallResult) (checkinID string, err error)
}

// Config carries per-call identity and tuning.
type Config struct {
	AgentID         string
	ElderID         string
	AnalysisTimeout time.Duration
	// Notify, when set, receives state changes and a short human-readable
	// status string. Raw internal errors never reach it.
	Notify func(state State, status string)
}

// Deps are the collaborators, constructed once by the caller and passed by
// reference.
type Deps struct {
	Dial     DialFunc
	Capture  audio.Device
	Player   Playback // optional
	Analyzer Analyzer
	Sink     ResultSink // optional
	Metrics  *metrics.Metrics
}

// Machine owns one call session. Exactly one session is live at a time per
// machine; Run drives the event loop and all session-state mutation happens
// on that single goroutine, one event at a time.
type Machine struct {
	cfg  Config
	deps Deps

	sessionID  string
	transcript *Accumulator

	mu        sync.Mutex
	state     State
	startedAt time.Time
	lastErr   error

	endOnce  sync.Once
	endCh    chan struct{}
	termOnce sync.Once
	result   *CallResult
}

// New builds a machine in the idle state.
func New(cfg Config, deps Deps) *Machine {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 5 * time.Second
	}
	return &Machine{
		cfg:        cfg,
		deps:       deps,
		sessionID:  uuid.NewString(),
		transcript: &Accumulator{},
		state:      StateIdle,
		endCh:      make(chan struct{}),
	}
}

// SessionID is the correlation id propagated through logs.
func (m *Machine) SessionID() string { return m.sessionID }

// State returns the current lifecycle position.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the recorded error kind, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// End requests call termination. Safe to call from any goroutine, any
// number of times; duplicate triggers collapse into one termination.
func (m *Machine) End() {
	m.endOnce.Do(func() { close(m.endCh) })
}

// Run places the call and blocks until the session reaches the terminal
// state. It always returns a CallResult; the error reports the last
// recorded failure, whether it aborted the call (dial, capture) or was
// surfaced mid-call without ending it.
func (m *Machine) Run(ctx context.Context) (*CallResult, error) {
	m.setState(StateConnecting, "Connecting…")
	if m.deps.Metrics != nil {
		m.deps.Metrics.SessionsStarted.Inc()
	}
	logging.Infow("session: starting call", logging.SessionFields(m.sessionID, m.cfg.ElderID)...)

	conn, err := m.deps.Dial(ctx, m.cfg.AgentID)
	if err != nil {
		m.recordErr(err)
		m.notify(StateConnecting, "Could not connect")
		return m.terminate(nil), m.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return m.terminate(conn), m.Err()
		case <-m.endCh:
			return m.terminate(conn), m.Err()
		case ev, ok := <-conn.Events():
			if !ok {
				return m.terminate(conn), m.Err()
			}
			if terminal := m.handleEvent(conn, ev); terminal {
				return m.terminate(conn), m.Err()
			}
		}
	}
}

// handleEvent applies one inbound transport event. It runs on the single
// Run goroutine; a handler completes before the next event is dispatched,
// which preserves the utterance ordering invariant.
func (m *Machine) handleEvent(conn Transport, ev realtime.Event) (terminal bool) {
	switch ev := ev.(type) {
	case realtime.ReadyEvent:
		// Capture start was deferred until now so no audio is acquired
		// before the remote endpoint can consume it.
		if err := m.deps.Capture.Start(m.onFrame(conn)); err != nil {
			logging.Errorw("session: capture start failed", "err", err, "session.id", m.sessionID)
			m.recordErr(err)
			m.notify(StateConnecting, "Microphone unavailable")
			return true
		}
		m.mu.Lock()
		m.startedAt = time.Now()
		m.mu.Unlock()
		m.setState(StateReady, "Connected")

	case realtime.AudioChunkEvent:
		if m.deps.Player != nil {
			m.deps.Player.Push(ev.Data)
		}
		m.setState(StateSpeaking, "Sunny is speaking")

	case realtime.UserTranscriptEvent:
		u := m.transcript.Append(SpeakerUser, ev.Text)
		logging.Debugw("session: user utterance", "seq", u.Seq, "session.id", m.sessionID)
		m.setState(StateListening, "Listening")

	case realtime.AgentResponseEvent:
		if ev.Text != "" {
			u := m.transcript.Append(SpeakerAgent, ev.Text)
			logging.Debugw("session: agent utterance", "seq", u.Seq, "session.id", m.sessionID)
		}
		m.setState(StateReady, "Connected")

	case realtime.InterruptionEvent:
		m.setState(StateListening, "Listening")

	case realtime.ErrorEvent:
		// Mid-call transport errors are surfaced but not fatal unless a
		// closed event follows.
		logging.Warnw("session: transport error surfaced", "err", ev.Err, "detail", ev.Detail, "session.id", m.sessionID)
		m.recordErr(ev.Err)
		m.notify(m.State(), "Conversation error")

	case realtime.ClosedEvent:
		logging.Infow("session: transport closed", "reason", ev.Reason, "session.id", m.sessionID)
		return true
	}
	return false
}

// onFrame returns the capture callback. It only produces outbound frames;
// it never mutates session state.
func (m *Machine) onFrame(conn Transport) func(pcm []byte) {
	return func(pcm []byte) {
		if err := conn.SendAudio(pcm); err != nil {
			logging.Debugw("session: dropping outbound frame", "err", err, "session.id", m.sessionID)
		}
	}
}

// terminate runs the termination sequence exactly once: stop capture,
// close transport, compute duration, analyze with a bounded wait, assemble
// the CallResult, hand it to the sink, transition to ended. Duplicate
// triggers (user end plus a trailing transport close) collapse here.
func (m *Machine) terminate(conn Transport) *CallResult {
	m.termOnce.Do(func() {
		m.deps.Capture.Stop()
		if conn != nil {
			if err := conn.Close(); err != nil {
				logging.Debugw("session: transport close", "err", err, "session.id", m.sessionID)
			}
		}
		if m.deps.Player != nil {
			if err := m.deps.Player.Close(); err != nil {
				logging.Debugw("session: player close", "err", err, "session.id", m.sessionID)
			}
		}

		m.mu.Lock()
		started := m.startedAt
		m.mu.Unlock()

		result := &CallResult{Transcript: m.transcript.Utterances()}
		duration := 0
		if !started.IsZero() {
			duration = int(time.Since(started).Round(time.Second) / time.Second)
			result.DurationSeconds = duration
			// Analysis runs only for sessions that reached ready; a call
			// that failed during setup produces the zero-value result.
			res, err := m.analyze(result.Transcript, duration)
			if err != nil {
				logging.Warnw("session: analysis degraded to empty", "err", err, "session.id", m.sessionID)
				m.recordErr(err)
			} else {
				result.WellnessScore = res.WellnessScore
				result.Alerts = res.Alerts
				result.Summary = res.Summary
				result.CheckinID = res.CheckinID
			}
		}

		if m.deps.Metrics != nil {
			m.deps.Metrics.SessionsEnded.Inc()
			m.deps.Metrics.SessionDuration.Observe(float64(duration))
			for _, a := range result.Alerts {
				m.deps.Metrics.AlertsEmitted.WithLabelValues(string(a.Type)).Inc()
			}
		}

		// Persist after compute: the result handed back to the caller is
		// already final, storage failure cannot corrupt it.
		if m.deps.Sink != nil && result.CheckinID == "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			id, err := m.deps.Sink.Persist(ctx, m.cfg.ElderID, result)
			cancel()
			if err != nil {
				logging.Warnw("session: persist failed", "err", err, "session.id", m.sessionID)
				if m.deps.Metrics != nil {
					m.deps.Metrics.StoreFailures.Inc()
				}
			} else {
				result.CheckinID = id
				if m.deps.Metrics != nil {
					m.deps.Metrics.CheckinsStored.Inc()
				}
			}
		}

		m.setState(StateEnded, "Call ended")
		logging.Infow("session: call ended",
			append(logging.SessionFields(m.sessionID, m.cfg.ElderID),
				"duration_s", result.DurationSeconds,
				"utterances", len(result.Transcript),
				"score", result.WellnessScore,
				"alerts", len(result.Alerts))...)
		m.result = result
	})
	return m.result
}

// analyze invokes the analyzer with a bounded wait so call termination is
// never blocked indefinitely on scoring.
func (m *Machine) analyze(transcript []Utterance, duration int) (analysis.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AnalysisTimeout)
	defer cancel()

	type outcome struct {
		res analysis.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.deps.Analyzer.Analyze(ctx, transcript, duration)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return analysis.Result{}, analysis.ErrAnalysisFailure
	}
}

func (m *Machine) setState(s State, status string) {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.notify(s, status)
}

func (m *Machine) notify(s State, status string) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(s, status)
	}
}

func (m *Machine) recordErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
