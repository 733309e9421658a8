package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core"
)

// Policy holds the per-call conversation policy. Thresholds are relative to
// the moment a call becomes active.
type Policy struct {
	SoftWarning   time.Duration
	UrgentWarning time.Duration
	HardCutoff    time.Duration
	DrainGrace    time.Duration
	TurnTimeout   time.Duration
	MaxReopens    int

	SystemPrompt         string
	OpeningPrompt        string // %s is replaced by the call topic
	WrapUpInstruction    string
	FinishNowInstruction string

	MaxReplyTokens int
}

type Config struct {
	Addr      string
	MediaPath string

	LogLevel  string
	LogFormat string

	// Conversation model, "provider/model".
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string

	CartesiaAPIKey string
	STTModel       string
	STTLanguage    string
	TTSModel       string
	TTSVoice       string
	TTSLanguage    string

	Policy Policy

	// Media WebSocket.
	WSMaxMessageBytes int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	WSReadTimeout     time.Duration
	HandshakeTimeout  time.Duration
	OutboundQueueSize int

	// Admission
	MaxConcurrentCalls int
	AcceptRPS          float64
	AcceptBurst        int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	DatabaseURL string

	DebugEndpoints  bool
	RecentCallsSize int
	RecentCallsTTL  time.Duration
}

const (
	defaultSystemPrompt = "You are a friendly voice companion on a phone call about %s. " +
		"Reply in one or two short sentences of plain spoken English. " +
		"Never use lists, markdown, emoji or stage directions. Stay on the topic."
	defaultOpeningPrompt        = "The call just connected. Greet the caller and open the conversation about %s."
	defaultWrapUpInstruction    = "The call is nearly over. Begin wrapping up the conversation naturally in your next reply."
	defaultFinishNowInstruction = "The call is ending now. Say a brief, warm goodbye in one sentence and nothing else."
)

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Addr:        ":8080",
		MediaPath:   "/media",
		LogLevel:    "info",
		LogFormat:   "text",
		Model:       "openai/gpt-4o-mini",
		STTModel:    "ink-whisper",
		STTLanguage: "en",
		TTSModel:    "sonic-2",
		TTSVoice:    "a0e99841-438c-4a64-b679-ae501e7d6091",
		TTSLanguage: "en",
		Policy: Policy{
			SoftWarning:          2*time.Minute + 30*time.Second,
			UrgentWarning:        2*time.Minute + 50*time.Second,
			HardCutoff:           3 * time.Minute,
			DrainGrace:           time.Second,
			TurnTimeout:          30 * time.Second,
			MaxReopens:           1,
			SystemPrompt:         defaultSystemPrompt,
			OpeningPrompt:        defaultOpeningPrompt,
			WrapUpInstruction:    defaultWrapUpInstruction,
			FinishNowInstruction: defaultFinishNowInstruction,
			MaxReplyTokens:       200,
		},
		WSMaxMessageBytes:   64 * 1024,
		WSPingInterval:      20 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		WSReadTimeout:       0,
		HandshakeTimeout:    5 * time.Second,
		OutboundQueueSize:   256,
		MaxConcurrentCalls:  200,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		RecentCallsSize:     256,
		RecentCallsTTL:      15 * time.Minute,
	}
}

// LoadFromEnv loads configuration from defaults and CALLBRIDGE_* variables.
func LoadFromEnv() (Config, error) {
	return Load("")
}

// Load builds configuration from defaults, then the optional YAML file at
// path, then environment variables. Later sources win.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("CALLBRIDGE_ADDR", cfg.Addr)
	cfg.MediaPath = envOr("CALLBRIDGE_MEDIA_PATH", cfg.MediaPath)
	cfg.LogLevel = envOr("CALLBRIDGE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("CALLBRIDGE_LOG_FORMAT", cfg.LogFormat)

	cfg.Model = envOr("CALLBRIDGE_MODEL", cfg.Model)
	cfg.OpenAIAPIKey = envOr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envOr("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.GeminiAPIKey = envOr("GEMINI_API_KEY", cfg.GeminiAPIKey)

	cfg.CartesiaAPIKey = envOr("CARTESIA_API_KEY", cfg.CartesiaAPIKey)
	cfg.STTModel = envOr("CALLBRIDGE_STT_MODEL", cfg.STTModel)
	cfg.STTLanguage = envOr("CALLBRIDGE_STT_LANGUAGE", cfg.STTLanguage)
	cfg.TTSModel = envOr("CALLBRIDGE_TTS_MODEL", cfg.TTSModel)
	cfg.TTSVoice = envOr("CALLBRIDGE_TTS_VOICE", cfg.TTSVoice)
	cfg.TTSLanguage = envOr("CALLBRIDGE_TTS_LANGUAGE", cfg.TTSLanguage)

	p := &cfg.Policy
	p.SoftWarning = envDurationOr("CALLBRIDGE_SOFT_WARNING", p.SoftWarning)
	p.UrgentWarning = envDurationOr("CALLBRIDGE_URGENT_WARNING", p.UrgentWarning)
	p.HardCutoff = envDurationOr("CALLBRIDGE_HARD_CUTOFF", p.HardCutoff)
	p.DrainGrace = envDurationOr("CALLBRIDGE_DRAIN_GRACE", p.DrainGrace)
	p.TurnTimeout = envDurationOr("CALLBRIDGE_TURN_TIMEOUT", p.TurnTimeout)
	p.MaxReopens = envIntOr("CALLBRIDGE_STT_MAX_REOPENS", p.MaxReopens)
	p.MaxReplyTokens = envIntOr("CALLBRIDGE_MAX_REPLY_TOKENS", p.MaxReplyTokens)

	cfg.WSMaxMessageBytes = envInt64Or("CALLBRIDGE_WS_MAX_MESSAGE_BYTES", cfg.WSMaxMessageBytes)
	cfg.WSPingInterval = envDurationOr("CALLBRIDGE_WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.WSWriteTimeout = envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadTimeout = envDurationOr("CALLBRIDGE_WS_READ_TIMEOUT", cfg.WSReadTimeout)
	cfg.HandshakeTimeout = envDurationOr("CALLBRIDGE_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.OutboundQueueSize = envIntOr("CALLBRIDGE_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)

	cfg.MaxConcurrentCalls = envIntOr("CALLBRIDGE_MAX_CALLS", cfg.MaxConcurrentCalls)
	cfg.AcceptRPS = envFloatOr("CALLBRIDGE_ACCEPT_RPS", cfg.AcceptRPS)
	cfg.AcceptBurst = envIntOr("CALLBRIDGE_ACCEPT_BURST", cfg.AcceptBurst)

	cfg.ReadHeaderTimeout = envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.DebugEndpoints = envBoolOr("CALLBRIDGE_DEBUG_ENDPOINTS", cfg.DebugEndpoints)
	cfg.RecentCallsSize = envIntOr("CALLBRIDGE_RECENT_CALLS", cfg.RecentCallsSize)
	cfg.RecentCallsTTL = envDurationOr("CALLBRIDGE_RECENT_CALLS_TTL", cfg.RecentCallsTTL)
}

// Validate reports the first configuration problem found.
func (cfg Config) Validate() error {
	if !strings.HasPrefix(cfg.MediaPath, "/") {
		return fmt.Errorf("CALLBRIDGE_MEDIA_PATH must start with /")
	}
	provider, _, err := core.ParseModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("CALLBRIDGE_MODEL: %w", err)
	}
	switch provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY must be set when CALLBRIDGE_MODEL uses openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY must be set when CALLBRIDGE_MODEL uses gemini")
		}
	default:
		return fmt.Errorf("CALLBRIDGE_MODEL provider must be one of openai|gemini")
	}
	if cfg.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.TTSVoice) == "" {
		return fmt.Errorf("CALLBRIDGE_TTS_VOICE must not be empty")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("CALLBRIDGE_LOG_FORMAT must be one of text|json")
	}

	p := cfg.Policy
	if p.SoftWarning <= 0 {
		return fmt.Errorf("CALLBRIDGE_SOFT_WARNING must be > 0")
	}
	if p.UrgentWarning <= p.SoftWarning {
		return fmt.Errorf("CALLBRIDGE_URGENT_WARNING must be > CALLBRIDGE_SOFT_WARNING")
	}
	if p.HardCutoff <= p.UrgentWarning {
		return fmt.Errorf("CALLBRIDGE_HARD_CUTOFF must be > CALLBRIDGE_URGENT_WARNING")
	}
	if p.DrainGrace <= 0 {
		return fmt.Errorf("CALLBRIDGE_DRAIN_GRACE must be > 0")
	}
	if p.TurnTimeout < 0 {
		return fmt.Errorf("CALLBRIDGE_TURN_TIMEOUT must be >= 0")
	}
	if p.MaxReopens < 0 {
		return fmt.Errorf("CALLBRIDGE_STT_MAX_REOPENS must be >= 0")
	}
	if p.MaxReplyTokens <= 0 {
		return fmt.Errorf("CALLBRIDGE_MAX_REPLY_TOKENS must be > 0")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" || strings.TrimSpace(p.OpeningPrompt) == "" {
		return fmt.Errorf("system and opening prompts must not be empty")
	}

	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("CALLBRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("CALLBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("CALLBRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return fmt.Errorf("CALLBRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("CALLBRIDGE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return fmt.Errorf("CALLBRIDGE_MAX_CALLS must be >= 0")
	}
	if cfg.AcceptRPS < 0 || cfg.AcceptBurst < 0 {
		return fmt.Errorf("CALLBRIDGE_ACCEPT_RPS and CALLBRIDGE_ACCEPT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.RecentCallsSize < 0 {
		return fmt.Errorf("CALLBRIDGE_RECENT_CALLS must be >= 0")
	}
	if cfg.RecentCallsTTL <= 0 {
		return fmt.Errorf("CALLBRIDGE_RECENT_CALLS_TTL must be > 0")
	}
	return nil
}

// ReadinessIssues lists reasons the process should not take calls. It never
// includes secrets.
func (cfg Config) ReadinessIssues() []string {
	var issues []string
	if err := cfg.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	return issues
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
