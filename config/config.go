package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full application configuration, read once at startup.
type Config struct {
	Server ServerConfig
	LLM    LLMConfig
	STT    STTConfig
	TTS    TTSConfig
	Cache  CacheConfig
}

type ServerConfig struct {
	Port         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LLMConfig struct {
	// Endpoint of a llama.cpp llama-server compatible completion API.
	Endpoint       string
	ModelID        string
	ModelName      string
	RequestTimeout time.Duration
	StreamBuffer   int
}

type STTConfig struct {
	// Mode selects the backend once at startup: "remote" or "exec".
	// Empty means no STT backend is configured.
	Mode           string
	Endpoint       string
	APIKey         string
	Model          string
	ResponseFormat string
	Command        string
	Timeout        time.Duration
}

type TTSConfig struct {
	APIBase            string
	TTSPath            string
	APIKey             string
	Timeout            time.Duration
	MaxRetries         int
	DefaultFormat      string
	DefaultSampleRate  int
	DefaultReferenceID string
	DefaultNormalize   bool
}

type CacheConfig struct {
	// RedisAddr enables the synthesis result cache when non-empty.
	RedisAddr    string
	SynthesisTTL time.Duration
}

func Load() Config {
	return Config{
		Server: ServerConfig{
			Port:         getenv("PORT", "8080"),
			CORSOrigins:  splitCSV(getenv("CORS_ORIGINS", "*")),
			ReadTimeout:  getdur("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getdur("SERVER_WRITE_TIMEOUT", 0),
		},
		LLM: LLMConfig{
			Endpoint:       getenv("LLM_ENDPOINT", "http://localhost:8081"),
			ModelID:        getenv("LLM_MODEL_ID", "google/gemma-3-12b-it-qat-q4_0-gguf"),
			ModelName:      getenv("LLM_MODEL_NAME", "Gemma 3 12B Q4_0 GGUF"),
			RequestTimeout: getdur("LLM_REQUEST_TIMEOUT", 120*time.Second),
			StreamBuffer:   getint("LLM_STREAM_BUFFER", 32),
		},
		STT: STTConfig{
			Mode:           getenv("STT_MODE", ""),
			Endpoint:       getenv("STT_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:         getenv("STT_API_KEY", ""),
			Model:          getenv("STT_MODEL", "whisper-1"),
			ResponseFormat: getenv("STT_RESPONSE_FORMAT", "verbose_json"),
			Command:        getenv("STT_COMMAND", ""),
			Timeout:        getdur("STT_TIMEOUT", 60*time.Second),
		},
		TTS: TTSConfig{
			APIBase:            getenv("TTS_API_BASE", "http://localhost:8082"),
			TTSPath:            getenv("TTS_PATH", "/v1/tts"),
			APIKey:             getenv("TTS_API_KEY", ""),
			Timeout:            getdur("TTS_TIMEOUT", 60*time.Second),
			MaxRetries:         getint("TTS_MAX_RETRIES", 3),
			DefaultFormat:      getenv("TTS_DEFAULT_FORMAT", "wav"),
			DefaultSampleRate:  getint("TTS_DEFAULT_SAMPLE_RATE", 44100),
			DefaultReferenceID: getenv("TTS_DEFAULT_REFERENCE_ID", ""),
			DefaultNormalize:   getbool("TTS_DEFAULT_NORMALIZE", true),
		},
		Cache: CacheConfig{
			RedisAddr:    getenv("REDIS_ADDR", ""),
			SynthesisTTL: getdur("SYNTHESIS_CACHE_TTL", 10*time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
