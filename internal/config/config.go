package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the two binaries need, read once from the
// environment and passed by reference to the components that need it.
// External collaborators (voice service, avatar vendor, Stripe, WorkOS,
// Postgres) are addressed only through these values.
type Config struct {
	// Realtime voice channel
	VoiceWSURL string // base websocket URL of the conversational voice service
	AgentID    string // voice-agent identity the channel is keyed by

	// Audio capture
	AudioSource   string // "tone" or a path to a WAV/PCM file
	FrameSamples  int    // samples per outbound frame
	ChunkEncoding string // inbound agent audio encoding: "pcm" or "opus"

	// Analysis
	AnalyzeURL      string // optional remote analyzer; empty means local rules
	AnalysisTimeout time.Duration

	// Persistence and notification
	DatabaseURL string // Postgres DSN; empty disables persistence
	WebhookURL  string // alert notification webhook; empty disables forwarding

	// Avatar vendor (session minting)
	AvatarBaseURL string
	AvatarAPIKey  string
	AvatarID      string

	// Billing
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceID       string
	AppBaseURL          string

	// Auth
	WorkOSAPIKey string

	// HTTP server
	ListenAddr string
}

// Load reads configuration from the environment. Only the values a given
// binary actually uses need to be set; constructors validate their own
// requirements.
func Load() *Config {
	return &Config{
		VoiceWSURL:          getenv("VOICE_WS_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		AgentID:             os.Getenv("VOICE_AGENT_ID"),
		AudioSource:         getenv("AUDIO_SOURCE", "tone"),
		FrameSamples:        getenvInt("AUDIO_FRAME_SAMPLES", 4096),
		ChunkEncoding:       getenv("AGENT_AUDIO_ENCODING", "pcm"),
		AnalyzeURL:          os.Getenv("ANALYZE_URL"),
		AnalysisTimeout:     getenvDuration("ANALYSIS_TIMEOUT", 5*time.Second),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		WebhookURL:          os.Getenv("ALERT_WEBHOOK_URL"),
		AvatarBaseURL:       getenv("AVATAR_BASE_URL", "https://api.anam.ai"),
		AvatarAPIKey:        os.Getenv("AVATAR_API_KEY"),
		AvatarID:            os.Getenv("AVATAR_ID"),
		StripeAPIKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceID:       os.Getenv("STRIPE_PRICE_ID"),
		AppBaseURL:          getenv("APP_BASE_URL", "http://localhost:3000"),
		WorkOSAPIKey:        os.Getenv("WORKOS_API_KEY"),
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
	}
}

// ValidateCall checks the values the call pipeline cannot run without.
func (c *Config) ValidateCall() error {
	if c.AgentID == "" {
		return fmt.Errorf("VOICE_AGENT_ID required")
	}
	if c.FrameSamples <= 0 {
		return fmt.Errorf("AUDIO_FRAME_SAMPLES must be positive, got %d", c.FrameSamples)
	}
	if c.ChunkEncoding != "pcm" && c.ChunkEncoding != "opus" {
		return fmt.Errorf("AGENT_AUDIO_ENCODING must be pcm or opus, got %q", c.ChunkEncoding)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
