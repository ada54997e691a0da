package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/realtime"
)

// fakeTransport feeds scripted events into the machine.
type fakeTransport struct {
	events chan realtime.Event

	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan realtime.Event, 64)}
}

func (f *fakeTransport) Events() <-chan realtime.Event { return f.events }

func (f *fakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeCapture counts starts and stops and optionally denies access.
type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	started  int
	stopped  int
	onFrame  func(pcm []byte)
}

func (f *fakeCapture) Start(onFrame func(pcm []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.onFrame = onFrame
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeAnalyzer struct {
	delay  time.Duration
	result analysis.Result
	err    error

	mu    sync.Mutex
	calls int
	got   []Utterance
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, transcript []Utterance, durationSeconds int) (analysis.Result, error) {
	f.mu.Lock()
	f.calls++
	f.got = transcript
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return analysis.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

type fakeSink struct {
	mu      sync.Mutex
	calls   int
	elderID string
	result  *CallResult
	id      string
	err     error
}

func (f *fakeSink) Persist(ctx context.Context, elderID string, result *CallResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.elderID = elderID
	f.result = result
	return f.id, f.err
}

func newTestMachine(t *testing.T, ft *fakeTransport, cap *fakeCapture, an Analyzer, sink ResultSink) *Machine {
	t.Helper()
	if an == nil {
		an = &fakeAnalyzer{result: analysis.Result{WellnessScore: 10, Summary: "Conversation looked healthy and upbeat."}}
	}
	return New(
		Config{AgentID: "agent-1", ElderID: "elder-1", AnalysisTimeout: time.Second},
		Deps{
			Dial:     func(ctx context.Context, agentID string) (Transport, error) { return ft, nil },
			Capture:  cap,
			Analyzer: an,
			Sink:     sink,
		},
	)
}

func TestRunTranscriptOrderMatchesArrival(t *testing.T) {
	ft := newFakeTransport()
	cap := &fakeCapture{}
	m := newTestMachine(t, ft, cap, nil, nil)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.UserTranscriptEvent{Text: "hello sunny"}
	ft.events <- realtime.AgentResponseEvent{Text: "hello there"}
	ft.events <- realtime.UserTranscriptEvent{Text: "doing fine today"}
	ft.events <- realtime.ClosedEvent{Reason: "remote hangup"}

	result, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []struct {
		sp   Speaker
		text string
	}{
		{SpeakerUser, "hello sunny"},
		{SpeakerAgent, "hello there"},
		{SpeakerUser, "doing fine today"},
	}
	if len(result.Transcript) != len(want) {
		t.Fatalf("transcript has %d utterances, want %d", len(result.Transcript), len(want))
	}
	for i, w := range want {
		got := result.Transcript[i]
		if got.Speaker != w.sp || got.Text != w.text {
			t.Fatalf("utterance %d = %q/%q, want %q/%q", i, got.Speaker, got.Text, w.sp, w.text)
		}
		if got.Seq != i {
			t.Fatalf("utterance %d has seq %d", i, got.Seq)
		}
	}
	if m.State() != StateEnded {
		t.Fatalf("machine not ended: %s", m.State())
	}
}

func TestRunEmptyAgentResponseNotRecorded(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMachine(t, ft, &fakeCapture{}, nil, nil)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.AgentResponseEvent{Text: ""}
	ft.events <- realtime.UserTranscriptEvent{Text: "hi"}
	ft.events <- realtime.ClosedEvent{}

	result, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Transcript) != 1 || result.Transcript[0].Text != "hi" {
		t.Fatalf("unexpected transcript: %+v", result.Transcript)
	}
}

func TestEndTerminatesOnce(t *testing.T) {
	ft := newFakeTransport()
	cap := &fakeCapture{}
	sink := &fakeSink{id: "chk-1"}
	m := newTestMachine(t, ft, cap, nil, sink)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.UserTranscriptEvent{Text: "goodbye"}

	done := make(chan struct{})
	var result *CallResult
	var runErr error
	go func() {
		result, runErr = m.Run(context.Background())
		close(done)
	}()

	// wait for the queued events to be processed before ending
	for i := 0; i < 400 && m.State() != StateListening; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != StateListening {
		t.Fatalf("session never reached listening: %s", m.State())
	}

	m.End()
	m.End()
	m.End()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after End")
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if result == nil {
		t.Fatalf("no result produced")
	}
	if cap.stopCount() != 1 {
		t.Fatalf("capture stopped %d times, want 1", cap.stopCount())
	}
	if ft.closeCount() != 1 {
		t.Fatalf("transport closed %d times, want 1", ft.closeCount())
	}
	if sink.calls != 1 {
		t.Fatalf("sink invoked %d times, want 1", sink.calls)
	}
	if result.CheckinID != "chk-1" {
		t.Fatalf("checkin id %q, want chk-1", result.CheckinID)
	}
}

func TestDialFailureProducesEmptyResult(t *testing.T) {
	dialErr := errors.New("connect refused")
	cap := &fakeCapture{}
	an := &fakeAnalyzer{}
	m := New(
		Config{AgentID: "agent-1", AnalysisTimeout: time.Second},
		Deps{
			Dial:     func(ctx context.Context, agentID string) (Transport, error) { return nil, dialErr },
			Capture:  cap,
			Analyzer: an,
		},
	)

	result, err := m.Run(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if result == nil {
		t.Fatalf("result must still be produced on failure")
	}
	if result.DurationSeconds != 0 || result.WellnessScore != 0 || len(result.Transcript) != 0 {
		t.Fatalf("setup failure must yield zero-value result: %+v", result)
	}
	if an.calls != 0 {
		t.Fatalf("analyzer must not run for a call that never became ready")
	}
	if m.State() != StateEnded {
		t.Fatalf("machine not ended: %s", m.State())
	}
}

func TestCaptureDenialEndsCall(t *testing.T) {
	ft := newFakeTransport()
	capErr := errors.New("device busy")
	cap := &fakeCapture{startErr: capErr}
	an := &fakeAnalyzer{result: analysis.Result{WellnessScore: 10}}
	m := newTestMachine(t, ft, cap, an, nil)

	ft.events <- realtime.ReadyEvent{}

	result, err := m.Run(context.Background())
	if !errors.Is(err, capErr) {
		t.Fatalf("expected capture error, got %v", err)
	}
	if result == nil {
		t.Fatalf("result must still be produced")
	}
	if result.WellnessScore != 0 || result.DurationSeconds != 0 {
		t.Fatalf("denied capture must yield zero-value result: %+v", result)
	}
	if an.calls != 0 {
		t.Fatalf("analyzer must not run for a call that never became ready")
	}
	if ft.closeCount() != 1 {
		t.Fatalf("transport must be released on capture denial")
	}
	if m.State() != StateEnded {
		t.Fatalf("machine not ended: %s", m.State())
	}
}

func TestRemoteCloseAutoTerminates(t *testing.T) {
	ft := newFakeTransport()
	cap := &fakeCapture{}
	m := newTestMachine(t, ft, cap, nil, nil)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.ClosedEvent{Reason: "going away"}

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cap.stopCount() != 1 {
		t.Fatalf("capture must be stopped exactly once, got %d", cap.stopCount())
	}
	if ft.closeCount() != 1 {
		t.Fatalf("transport must be closed exactly once, got %d", ft.closeCount())
	}
}

func TestAnalysisTimeoutDegradesToEmpty(t *testing.T) {
	ft := newFakeTransport()
	an := &fakeAnalyzer{
		delay:  time.Second,
		result: analysis.Result{WellnessScore: 8},
	}
	m := New(
		Config{AgentID: "agent-1", AnalysisTimeout: 50 * time.Millisecond},
		Deps{
			Dial:     func(ctx context.Context, agentID string) (Transport, error) { return ft, nil },
			Capture:  &fakeCapture{},
			Analyzer: an,
		},
	)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.UserTranscriptEvent{Text: "hello"}
	ft.events <- realtime.ClosedEvent{}

	result, err := m.Run(context.Background())
	if err == nil {
		t.Fatalf("expected analysis failure surfaced")
	}
	if !errors.Is(err, analysis.ErrAnalysisFailure) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error kind: %v", err)
	}
	// degraded: transcript kept, scoring empty
	if len(result.Transcript) != 1 {
		t.Fatalf("transcript must survive analysis timeout: %+v", result.Transcript)
	}
	if result.WellnessScore != 0 || result.Summary != "" || len(result.Alerts) != 0 {
		t.Fatalf("timed-out analysis must degrade to empty: %+v", result)
	}
}

func TestMidCallErrorDoesNotEndSession(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMachine(t, ft, &fakeCapture{}, nil, nil)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.ErrorEvent{Err: realtime.ErrEnvelopeParse, Detail: "bad json"}
	ft.events <- realtime.UserTranscriptEvent{Text: "still here"}
	ft.events <- realtime.ClosedEvent{}

	result, err := m.Run(context.Background())
	if !errors.Is(err, realtime.ErrEnvelopeParse) {
		t.Fatalf("expected surfaced parse error, got %v", err)
	}
	if len(result.Transcript) != 1 || result.Transcript[0].Text != "still here" {
		t.Fatalf("session must survive a mid-call error: %+v", result.Transcript)
	}
}

func TestPersistFailureDoesNotCorruptResult(t *testing.T) {
	ft := newFakeTransport()
	sink := &fakeSink{err: errors.New("db down")}
	m := newTestMachine(t, ft, &fakeCapture{}, nil, sink)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.UserTranscriptEvent{Text: "hello"}
	ft.events <- realtime.ClosedEvent{}

	result, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("persist failure must stay best-effort, got %v", err)
	}
	if result.CheckinID != "" {
		t.Fatalf("failed persist must not assign a checkin id")
	}
	if result.WellnessScore != 10 {
		t.Fatalf("result corrupted by persist failure: %+v", result)
	}
	if sink.calls != 1 {
		t.Fatalf("sink invoked %d times", sink.calls)
	}
}

func TestStateTransitions(t *testing.T) {
	ft := newFakeTransport()
	var mu sync.Mutex
	var states []State
	m := New(
		Config{
			AgentID:         "agent-1",
			AnalysisTimeout: time.Second,
			Notify: func(s State, status string) {
				mu.Lock()
				states = append(states, s)
				mu.Unlock()
			},
		},
		Deps{
			Dial:     func(ctx context.Context, agentID string) (Transport, error) { return ft, nil },
			Capture:  &fakeCapture{},
			Analyzer: &fakeAnalyzer{result: analysis.Result{WellnessScore: 10}},
		},
	)

	ft.events <- realtime.ReadyEvent{}
	ft.events <- realtime.AudioChunkEvent{Data: []byte{1}}
	ft.events <- realtime.UserTranscriptEvent{Text: "hi"}
	ft.events <- realtime.AgentResponseEvent{Text: "hello"}
	ft.events <- realtime.InterruptionEvent{}
	ft.events <- realtime.ClosedEvent{}

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateReady, StateSpeaking, StateListening, StateReady, StateListening, StateEnded}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d = %s, want %s (full: %v)", i, states[i], want[i], states)
		}
	}
}

func TestCapturedFramesFlowToTransport(t *testing.T) {
	ft := newFakeTransport()
	cap := &fakeCapture{}
	m := newTestMachine(t, ft, cap, nil, nil)

	done := make(chan struct{})
	go func() {
		ft.events <- realtime.ReadyEvent{}
		// give the ready handler time to install the frame callback
		for i := 0; i < 200; i++ {
			cap.mu.Lock()
			cb := cap.onFrame
			cap.mu.Unlock()
			if cb != nil {
				cb([]byte{9, 9})
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		ft.events <- realtime.ClosedEvent{}
		close(done)
	}()

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.sent) != 1 || len(ft.sent[0]) != 2 {
		t.Fatalf("captured frame did not reach transport: %v", ft.sent)
	}
}
