package client

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"voicecall-backend/pkg/constants"
	"voicecall-backend/pkg/env"
	"voicecall-backend/pkg/jwt"
)

// Config holds the voice client configuration
type Config struct {
	ServerURL      string
	Token          string
	AudioPort      int
	AdvertiseHost  string
	AudioSource    string
	Audio          string // pulse, null
	Framing        string // raw, rtp
	PollInterval   time.Duration
	RequestTimeout time.Duration
	AutoAnswer     string // "", accept, reject
	RingTimeout    time.Duration
	Call           string
	LogLevel       string

	// Development token minting, used when Token is empty
	UserID      string
	DisplayName string
	JWTSecret   string
	JWTIssuer   string
}

// Load parses args and applies environment overrides
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("voice-client", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "server", "ws://localhost:8085/v1/voice-calls/ws/signaling", "Signaling WebSocket URL")
	fs.StringVar(&cfg.Token, "token", "", "Access token")
	fs.IntVar(&cfg.AudioPort, "audio-port", 0, "Local UDP port for audio (0 = ephemeral)")
	fs.StringVar(&cfg.AdvertiseHost, "advertise", "", "Address announced for audio (server-observed address if empty)")
	fs.StringVar(&cfg.AudioSource, "audio-source", "microphone", "Audio source label sent with calls")
	fs.StringVar(&cfg.Audio, "audio", "pulse", "Audio device: pulse or null")
	fs.StringVar(&cfg.Framing, "framing", "raw", "Datagram framing: raw or rtp")
	fs.DurationVar(&cfg.PollInterval, "poll", constants.DefaultPollInterval, "Orchestrator poll interval")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", constants.DefaultSignalingRequestTimeout, "Signaling request timeout")
	fs.StringVar(&cfg.AutoAnswer, "auto-answer", "", "Answer incoming calls without prompting: accept or reject")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", constants.DefaultRingTimeout, "How long to wait for an answer at the prompt")
	fs.StringVar(&cfg.Call, "call", "", "User to call right after connecting")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")
	fs.StringVar(&cfg.UserID, "user", "", "User id for a locally minted development token")
	fs.StringVar(&cfg.DisplayName, "name", "", "Display name for a locally minted development token")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "Secret for minting a development token")
	fs.StringVar(&cfg.JWTIssuer, "jwt-issuer", "voicecall-auth", "Issuer for minting a development token")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Environment overrides
	cfg.ServerURL = env.GetString("VOICE_SERVER_URL", cfg.ServerURL)
	cfg.Token = env.GetStringFromFile("VOICE_TOKEN", cfg.Token)
	cfg.AudioPort = env.GetInt("VOICE_AUDIO_PORT", cfg.AudioPort)
	cfg.AdvertiseHost = env.GetString("VOICE_ADVERTISE", cfg.AdvertiseHost)
	cfg.Audio = env.GetString("VOICE_AUDIO", cfg.Audio)
	cfg.Framing = env.GetString("VOICE_FRAMING", cfg.Framing)
	cfg.AutoAnswer = env.GetString("VOICE_AUTO_ANSWER", cfg.AutoAnswer)
	cfg.LogLevel = env.GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = env.GetStringFromFile("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = env.GetString("JWT_ISSUER", cfg.JWTIssuer)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values and mints a token when asked to
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if c.AudioPort < 0 || c.AudioPort > 65535 {
		return fmt.Errorf("audio port %d out of range", c.AudioPort)
	}
	switch c.Audio {
	case "pulse", "null":
	default:
		return fmt.Errorf("unknown audio device %q", c.Audio)
	}
	switch c.AutoAnswer {
	case "", "accept", "reject":
	default:
		return fmt.Errorf("unknown auto-answer mode %q", c.AutoAnswer)
	}
	if c.PollInterval <= 0 || c.RequestTimeout <= 0 {
		return errors.New("poll interval and request timeout must be positive")
	}

	if c.Token == "" {
		if c.UserID == "" || c.JWTSecret == "" {
			return errors.New("either a token or a user id with a JWT secret is required")
		}
		name := c.DisplayName
		if name == "" {
			name = c.UserID
		}
		token, err := jwt.NewJWTManager(c.JWTSecret, 24*time.Hour, c.JWTIssuer).GenerateAccessToken(c.UserID, name)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		c.Token = token
	}
	return nil
}
