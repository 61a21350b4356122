// Package config loads client settings from .env, an optional config file
// and ARUNIKA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// EnvPrefix is prepended to every key when read from the environment
const EnvPrefix = "ARUNIKA"

const (
	KeyServerURL            = "server_url"
	KeyClientID             = "client_id"
	KeyClientVersion        = "client_version"
	KeyCapabilities         = "capabilities"
	KeyConnectTimeout       = "connect_timeout"
	KeyHandshakeTimeout     = "handshake_timeout"
	KeyRequestTimeout       = "request_timeout"
	KeyReconnectBaseDelay   = "reconnect_base_delay"
	KeyReconnectMaxDelay    = "reconnect_max_delay"
	KeyReconnectMaxAttempts = "reconnect_max_attempts"
	KeyHeartbeatInterval    = "heartbeat_interval"
	KeyHeartbeatGrace       = "heartbeat_grace"
	KeyQueueCapacity        = "queue_capacity"
	KeyChunkFrames          = "chunk_frames"
	KeyChunkBuffer          = "chunk_buffer"
	KeyAuthSecret           = "auth_secret"
	KeyModel                = "model"
	KeyLanguage             = "language"
	KeyAutoProcess          = "auto_process"
	KeyLogLevel             = "log_level"
	KeyMetricsAddr          = "metrics_addr"
	KeyPeerAddr             = "peer_addr"
)

// Config holds every client setting
type Config struct {
	ServerURL     string
	ClientID      string
	ClientVersion string
	Capabilities  []entities.Capability

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	QueueCapacity int
	ChunkFrames   int
	ChunkBuffer   int

	AuthSecret string
	Processing entities.ProcessingOptions

	LogLevel    string
	MetricsAddr string
	PeerAddr    string
}

// SetDefaults registers the documented defaults on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyServerURL, "ws://localhost:8000/ws")
	v.SetDefault(KeyClientID, "")
	v.SetDefault(KeyClientVersion, "1.0.0")
	v.SetDefault(KeyCapabilities, "stt,llm,mcp")
	v.SetDefault(KeyConnectTimeout, 10*time.Second)
	v.SetDefault(KeyHandshakeTimeout, 10*time.Second)
	v.SetDefault(KeyRequestTimeout, 10*time.Second)
	v.SetDefault(KeyReconnectBaseDelay, time.Second)
	v.SetDefault(KeyReconnectMaxDelay, 30*time.Second)
	v.SetDefault(KeyReconnectMaxAttempts, 5)
	v.SetDefault(KeyHeartbeatInterval, 30*time.Second)
	v.SetDefault(KeyHeartbeatGrace, 10*time.Second)
	v.SetDefault(KeyQueueCapacity, 1000)
	v.SetDefault(KeyChunkFrames, 1024)
	v.SetDefault(KeyChunkBuffer, 64)
	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyModel, "base")
	v.SetDefault(KeyLanguage, "en")
	v.SetDefault(KeyAutoProcess, true)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyPeerAddr, ":8000")
}

// Load reads configuration into v and decodes it. envFile is loaded into
// the process environment first when it exists; configFile is optional.
func Load(v *viper.Viper, envFile, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		ServerURL:            v.GetString(KeyServerURL),
		ClientID:             v.GetString(KeyClientID),
		ClientVersion:        v.GetString(KeyClientVersion),
		ConnectTimeout:       v.GetDuration(KeyConnectTimeout),
		HandshakeTimeout:     v.GetDuration(KeyHandshakeTimeout),
		RequestTimeout:       v.GetDuration(KeyRequestTimeout),
		ReconnectBaseDelay:   v.GetDuration(KeyReconnectBaseDelay),
		ReconnectMaxDelay:    v.GetDuration(KeyReconnectMaxDelay),
		ReconnectMaxAttempts: v.GetInt(KeyReconnectMaxAttempts),
		HeartbeatInterval:    v.GetDuration(KeyHeartbeatInterval),
		HeartbeatGrace:       v.GetDuration(KeyHeartbeatGrace),
		QueueCapacity:        v.GetInt(KeyQueueCapacity),
		ChunkFrames:          v.GetInt(KeyChunkFrames),
		ChunkBuffer:          v.GetInt(KeyChunkBuffer),
		AuthSecret:           v.GetString(KeyAuthSecret),
		Processing: entities.ProcessingOptions{
			Model:       v.GetString(KeyModel),
			AutoProcess: v.GetBool(KeyAutoProcess),
			Language:    v.GetString(KeyLanguage),
		},
		LogLevel:    strings.ToLower(v.GetString(KeyLogLevel)),
		MetricsAddr: v.GetString(KeyMetricsAddr),
		PeerAddr:    v.GetString(KeyPeerAddr),
	}

	for _, c := range splitList(v.Get(KeyCapabilities)) {
		cfg.Capabilities = append(cfg.Capabilities, entities.Capability(c))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts either a list value from a config file or a comma
// separated string from the environment
func splitList(value interface{}) []string {
	var parts []string
	switch v := value.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the client cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, fmt.Errorf("server_url %q must use ws:// or wss://", c.ServerURL))
	}

	durations := map[string]time.Duration{
		KeyConnectTimeout:     c.ConnectTimeout,
		KeyHandshakeTimeout:   c.HandshakeTimeout,
		KeyRequestTimeout:     c.RequestTimeout,
		KeyReconnectBaseDelay: c.ReconnectBaseDelay,
		KeyReconnectMaxDelay:  c.ReconnectMaxDelay,
		KeyHeartbeatInterval:  c.HeartbeatInterval,
		KeyHeartbeatGrace:     c.HeartbeatGrace,
	}
	for _, key := range []string{
		KeyConnectTimeout, KeyHandshakeTimeout, KeyRequestTimeout,
		KeyReconnectBaseDelay, KeyReconnectMaxDelay, KeyHeartbeatInterval, KeyHeartbeatGrace,
	} {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, durations[key]))
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		errs = append(errs, fmt.Errorf("%s must not be below %s", KeyReconnectMaxDelay, KeyReconnectBaseDelay))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyReconnectMaxAttempts))
	}

	counts := []struct {
		key   string
		value int
	}{
		{KeyQueueCapacity, c.QueueCapacity},
		{KeyChunkFrames, c.ChunkFrames},
		{KeyChunkBuffer, c.ChunkBuffer},
	}
	for _, n := range counts {
		if n.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", n.key, n.value))
		}
	}

	for _, capability := range c.Capabilities {
		switch capability {
		case entities.CapabilitySpeechToText, entities.CapabilityLanguageModel, entities.CapabilityToolExecution:
		default:
			errs = append(errs, fmt.Errorf("unknown capability %q", capability))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}
