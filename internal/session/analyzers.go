package session

import (
	"context"

	"github.com/sunny-voice-lab/internal/analysis"
)

// LocalAnalyzer scores transcripts with the in-process rule engine.
type LocalAnalyzer struct{}

func (LocalAnalyzer) Analyze(ctx context.Context, transcript []Utterance, durationSeconds int) (analysis.Result, error) {
	texts := make([]string, len(transcript))
	for i, u := range transcript {
		texts[i] = u.Text
	}
	return analysis.Analyze(texts), nil
}

// RemoteAnalyzer delegates scoring to the check-in service, which also
// persists the check-in and returns its id.
type RemoteAnalyzer struct {
	Client  *analysis.Client
	ElderID string
}

func (r RemoteAnalyzer) Analyze(ctx context.Context, transcript []Utterance, durationSeconds int) (analysis.Result, error) {
	req := analysis.Request{
		Transcript:      make([]analysis.Message, len(transcript)),
		ElderID:         r.ElderID,
		DurationSeconds: durationSeconds,
	}
	for i, u := range transcript {
		req.Transcript[i] = analysis.Message{Role: string(u.Speaker), Content: u.Text}
	}
	return r.Client.Analyze(ctx, req)
}
