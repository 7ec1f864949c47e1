package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Env      string
	ChatAddr string
	OpsAddr  string

	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	DataDir string

	BotSecret   string
	LLMBaseURL  string
	LLMModel    string
	LLMAPIKey   string
	BotCooldown time.Duration

	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBackoff  time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Env:               getenv("APP_ENV", "dev"),
		ChatAddr:          getenv("CHAT_ADDR", ":8443"),
		OpsAddr:           getenv("OPS_ADDR", ":9090"),
		TLSCertFile:       getenv("TLS_CERT_FILE", "server.crt"),
		TLSKeyFile:        getenv("TLS_KEY_FILE", "server.key"),
		TLSCAFile:         getenv("TLS_CA_FILE", ""),
		DataDir:           getenv("DATA_DIR", "."),
		BotSecret:         getenv("BOT_SECRET", "bot_password"),
		LLMBaseURL:        getenv("LLM_BASE_URL", "http://localhost:11434/v1"),
		LLMModel:          getenv("LLM_MODEL", "llama3"),
		LLMAPIKey:         getenv("LLM_API_KEY", "ollama"),
		BotCooldown:       time.Duration(getenvInt("BOT_COOLDOWN_MS", 3000)) * time.Millisecond,
		TokenTTL:          time.Duration(getenvInt("TOKEN_TTL_HOURS", 24)) * time.Hour,
		HeartbeatInterval: time.Duration(getenvInt("HEARTBEAT_INTERVAL_SEC", 30)) * time.Second,
		HeartbeatTimeout:  time.Duration(getenvInt("HEARTBEAT_TIMEOUT_SEC", 60)) * time.Second,
		ReconnectBackoff:  time.Duration(getenvInt("RECONNECT_BACKOFF_SEC", 5)) * time.Second,
	}
}

// CredentialFile is the append-only user record file inside DataDir.
func (c Config) CredentialFile() string { return filepath.Join(c.DataDir, "users.txt") }

// TokenSnapshotFile holds the serialized fingerprint→token map.
func (c Config) TokenSnapshotFile() string { return filepath.Join(c.DataDir, "user_tokens.dat") }

// RoomLogFile is the per-room transcript log path.
func (c Config) RoomLogFile(room string) string { return filepath.Join(c.DataDir, room+"_log.txt") }
