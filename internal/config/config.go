package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	AppName     string
	FrontendURL string
	CORSOrigins []string

	// AI provider (feedback analysis)
	AIProvider        string
	AnalysisTimeout   time.Duration
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// voice agent: "elevenlabs" relays to a hosted ConvAI agent, "openai" runs the
	// local transcribe/coach/speak pipeline
	AgentMode         string
	ElevenLabsAPIKey  string
	ElevenLabsAgentID string
	ElevenLabsWSURL   string
	AgentAudioFormat  string

	// openai pipeline
	TranscribeModel    string
	CoachModel         string
	ElevenLabsAPIURL   string
	ElevenLabsVoiceID  string
	ElevenLabsTTSModel string
	PipelineInterval   time.Duration
	SuggestionInterval time.Duration

	// client websocket
	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration
	WSIdleTimeout   time.Duration
	WSMaxFrameBytes int64

	// session store
	SessionStore  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// report archive
	DBDSN             string
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

func Load() Config {
	appName := getenv("APP_NAME", "COCO - Conversation Coach API")
	frontendURL := getenv("FRONTEND_URL", "http://localhost:3000")

	origins := []string{frontendURL, "http://localhost:3000", "https://*.vercel.app"}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins = splitList(v)
	}

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/coco?charset=utf8mb4&parseTime=true&loc=Local
	// sqlite:coco.db
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "coco",
		)
	}

	openRouterAppName := os.Getenv("OPENROUTER_APP_NAME")
	if openRouterAppName == "" {
		openRouterAppName = appName
	}

	return Config{
		Port:        getenv("PORT", "8000"),
		AppName:     appName,
		FrontendURL: frontendURL,
		CORSOrigins: origins,

		AIProvider:        strings.ToLower(getenv("AI_PROVIDER", "openai")),
		AnalysisTimeout:   envDuration("ANALYSIS_TIMEOUT", 60*time.Second),
		OpenAIBaseURL:     getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getenv("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaBaseURL:     getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getenv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getenv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getenv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: openRouterAppName,

		AgentMode:         strings.ToLower(getenv("AGENT_MODE", "elevenlabs")),
		ElevenLabsAPIKey:  os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsAgentID: os.Getenv("ELEVENLABS_AGENT_ID"),
		ElevenLabsWSURL:   getenv("ELEVENLABS_WS_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		AgentAudioFormat:  getenv("AGENT_AUDIO_FORMAT", "mp3"),

		TranscribeModel:    getenv("OPENAI_TRANSCRIBE_MODEL", "gpt-4o-mini-transcribe"),
		CoachModel:         os.Getenv("COACH_MODEL"),
		ElevenLabsAPIURL:   getenv("ELEVENLABS_API_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID:  getenv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel: getenv("ELEVENLABS_TTS_MODEL", "eleven_turbo_v2_5"),
		PipelineInterval:   envDuration("PIPELINE_INTERVAL", 3*time.Second),
		SuggestionInterval: envDuration("SUGGESTION_INTERVAL", 8*time.Second),

		WSPingInterval:  envDuration("WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:  envDuration("WS_WRITE_TIMEOUT", 5*time.Second),
		WSIdleTimeout:   envDuration("WS_IDLE_TIMEOUT", 0),
		WSMaxFrameBytes: int64(envInt("WS_MAX_FRAME_BYTES", 1<<20)),

		SessionStore:  strings.ToLower(getenv("SESSION_STORE", "memory")),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		SessionTTL:    envDuration("SESSION_TTL", 24*time.Hour),

		DBDSN:             dsn,
		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getenv("RABBIT_QUEUE", "coach_reports"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
	}
}

// Validate reports every missing credential the server needs, so startup fails once
// with the full list instead of on the first request.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ElevenLabsAPIKey) == "" {
		errs = append(errs, errors.New("ELEVENLABS_API_KEY is required"))
	}
	switch c.AgentMode {
	case "", "elevenlabs":
		if strings.TrimSpace(c.ElevenLabsAgentID) == "" {
			errs = append(errs, errors.New("ELEVENLABS_AGENT_ID is required"))
		}
	case "openai":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" && c.AIProvider != "openai" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when AGENT_MODE=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported AGENT_MODE=%q", c.AgentMode))
	}

	switch c.AIProvider {
	case "openai":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when AI_PROVIDER=openai"))
		}
	case "openrouter":
		if strings.TrimSpace(c.OpenRouterAPIKey) == "" {
			errs = append(errs, errors.New("OPENROUTER_API_KEY is required when AI_PROVIDER=openrouter"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unsupported AI_PROVIDER=%q", c.AIProvider))
	}

	switch c.SessionStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported SESSION_STORE=%q", c.SessionStore))
	}
	return errors.Join(errs...)
}

// ArchiveEnabled reports whether finished reports are published for archiving.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.RabbitURL) != ""
}

// OriginAllowed matches origin against CORSOrigins. A "*" inside a pattern matches any
// run of characters, so "https://*.vercel.app" allows every preview deployment. A
// request without an Origin header (non-browser client) is allowed.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, pattern := range c.CORSOrigins {
		if wildcardMatch(strings.TrimRight(pattern, "/"), origin) {
			return true
		}
	}
	return false
}

func wildcardMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return strings.EqualFold(pattern, s)
	}
	s = strings.ToLower(s)
	first := strings.ToLower(parts[0])
	if !strings.HasPrefix(s, first) {
		return false
	}
	s = s[len(first):]
	last := strings.ToLower(parts[len(parts)-1])
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(s, strings.ToLower(mid))
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return strings.HasSuffix(s, last)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// envDuration accepts Go durations ("30s") or plain seconds ("30").
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
