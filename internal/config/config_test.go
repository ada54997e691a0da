package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.VoiceWSURL == "" {
		t.Fatalf("expected default voice ws url")
	}
	if cfg.FrameSamples != 4096 {
		t.Fatalf("expected default frame samples 4096, got %d", cfg.FrameSamples)
	}
	if cfg.AnalysisTimeout != 5*time.Second {
		t.Fatalf("expected default analysis timeout 5s, got %v", cfg.AnalysisTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VOICE_AGENT_ID", "agent-1")
	t.Setenv("AUDIO_FRAME_SAMPLES", "2048")
	t.Setenv("ANALYSIS_TIMEOUT", "2s")
	t.Setenv("AGENT_AUDIO_ENCODING", "opus")

	cfg := Load()
	if cfg.AgentID != "agent-1" {
		t.Fatalf("agent id not read: %q", cfg.AgentID)
	}
	if cfg.FrameSamples != 2048 {
		t.Fatalf("frame samples not read: %d", cfg.FrameSamples)
	}
	if cfg.AnalysisTimeout != 2*time.Second {
		t.Fatalf("analysis timeout not read: %v", cfg.AnalysisTimeout)
	}
	if err := cfg.ValidateCall(); err != nil {
		t.Fatalf("expected valid call config, got %v", err)
	}
}

func TestValidateCallRejectsBadEncoding(t *testing.T) {
	t.Setenv("VOICE_AGENT_ID", "agent-1")
	t.Setenv("AGENT_AUDIO_ENCODING", "mp3")
	cfg := Load()
	if err := cfg.ValidateCall(); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

func TestValidateCallRequiresAgent(t *testing.T) {
	cfg := Load()
	cfg.AgentID = ""
	if err := cfg.ValidateCall(); err == nil {
		t.Fatalf("expected error when agent id missing")
	}
}
