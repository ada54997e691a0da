// Command checkin places one wellness-check call: it streams captured
// audio to the voice agent, accumulates the conversation transcript, and
// prints the analyzed result as JSON when the call ends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/audio"
	"github.com/sunny-voice-lab/internal/checkin"
	"github.com/sunny-voice-lab/internal/config"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/realtime"
	"github.com/sunny-voice-lab/internal/session"
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}
	defer logging.Sync()

	cfg := config.Load()
	if err := cfg.ValidateCall(); err != nil {
		logging.FatalExitf("invalid configuration", "err", err)
	}

	elderID := os.Getenv("ELDER_ID")

	device := audio.NewDevice(cfg.AudioSource, cfg.FrameSamples)

	player, err := audio.NewPlayer(audio.NoopSink{}, cfg.ChunkEncoding)
	if err != nil {
		logging.FatalExitf("playback setup failed", "err", err)
	}

	var analyzer session.Analyzer = session.LocalAnalyzer{}
	if cfg.AnalyzeURL != "" {
		analyzer = session.RemoteAnalyzer{
			Client:  analysis.NewClient(cfg.AnalyzeURL),
			ElderID: elderID,
		}
		sugar.Infow("using remote analyzer", "url", cfg.AnalyzeURL)
	}

	var sink session.ResultSink
	if cfg.DatabaseURL != "" {
		store, err := checkin.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logging.FatalExitf("database unavailable", "err", err)
		}
		defer store.Close()
		if cfg.WebhookURL != "" {
			store.SetNotifier(&checkin.Notifier{URL: cfg.WebhookURL, Async: true})
		}
		sink = store
	}

	dialer := &realtime.Dialer{BaseURL: cfg.VoiceWSURL}
	machine := session.New(
		session.Config{
			AgentID:         cfg.AgentID,
			ElderID:         elderID,
			AnalysisTimeout: cfg.AnalysisTimeout,
			Notify: func(state session.State, status string) {
				sugar.Infow("call status", "state", state, "status", status)
			},
		},
		session.Deps{
			Dial: func(ctx context.Context, agentID string) (session.Transport, error) {
				conn, err := dialer.Dial(ctx, agentID)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
			Capture:  device,
			Player:   player,
			Analyzer: analyzer,
			Sink:     sink,
		},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		sugar.Infow("shutdown signal received, ending call")
		machine.End()
	}()

	result, err := machine.Run(context.Background())
	if err != nil {
		sugar.Warnw("call ended with error", "err", err)
	}

	out, merr := json.MarshalIndent(result, "", "  ")
	if merr != nil {
		logging.FatalExitf("encode result", "err", merr)
	}
	fmt.Println(string(out))

	if err != nil {
		os.Exit(1)
	}
}
