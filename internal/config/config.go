// Package config loads cartsync settings.
//
// Settings come from three layers, later ones winning: built-in defaults,
// an optional YAML file, and CARTSYNC_* environment variables. The merged
// result is checked against an embedded CUE schema before use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARTSYNC_"

// Backend modes.
const (
	BackendMemory = "memory"
	BackendHTTP   = "http"
)

// Config is the complete cartsync configuration.
type Config struct {
	Log     LogConfig     `yaml:"log" json:"log"`
	Retry   RetryConfig   `yaml:"retry" json:"retry"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka" json:"kafka"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Toast   ToastConfig   `yaml:"toast" json:"toast"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
}

// BackendConfig selects the server actions implementation. In http mode
// Token, when set, is sent as a bearer token.
type BackendConfig struct {
	Mode  string `yaml:"mode" json:"mode"`
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"token"`
}

// StoreConfig locates the SQLite journal. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// RedisConfig configures the snapshot mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// KafkaConfig configures outcome events. No brokers disables them.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
}

// HTTPConfig configures the cart API server. RateLimit is mutations per
// second per client; zero disables limiting.
type HTTPConfig struct {
	Addr        string   `yaml:"addr" json:"addr"`
	RateLimit   float64  `yaml:"rate_limit" json:"rate_limit"`
	Burst       int      `yaml:"burst" json:"burst"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

type ToastConfig struct {
	SuccessDuration time.Duration `yaml:"success_duration" json:"success_duration"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "text"},
		Retry:   RetryConfig{MaxRetries: 3, BaseDelay: 200 * time.Millisecond},
		Backend: BackendConfig{Mode: BackendMemory},
		Store:   StoreConfig{Path: "cartsync.db"},
		Redis:   RedisConfig{Key: "cartsync:cart"},
		Kafka:   KafkaConfig{Brokers: []string{}, Topic: "cart-operations"},
		HTTP:    HTTPConfig{Addr: ":8080", RateLimit: 10, Burst: 20, CORSOrigins: []string{}},
		Toast:   ToastConfig{SuccessDuration: 3 * time.Second},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if cfg.Kafka.Brokers == nil {
		cfg.Kafka.Brokers = []string{}
	}
	if cfg.HTTP.CORSOrigins == nil {
		cfg.HTTP.CORSOrigins = []string{}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg, rejecting unknown keys.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := ctx.Encode(cfg)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v, ok := get("BACKEND_MODE"); ok {
		cfg.Backend.Mode = v
	}
	if v, ok := get("BACKEND_URL"); ok {
		cfg.Backend.URL = v
	}
	if v, ok := get("BACKEND_TOKEN"); ok {
		cfg.Backend.Token = v
	}
	if v, ok := get("STORE_PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := get("REDIS_KEY"); ok {
		cfg.Redis.Key = v
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v, ok := get("KAFKA_TOPIC"); ok {
		cfg.Kafka.Topic = v
	}
	if v, ok := get("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get("HTTP_CORS_ORIGINS"); ok {
		cfg.HTTP.CORSOrigins = splitList(v)
	}

	var err error
	if v, ok := get("RETRY_MAX_RETRIES"); ok {
		if cfg.Retry.MaxRetries, err = strconv.Atoi(v); err != nil {
			return envError("RETRY_MAX_RETRIES", err)
		}
	}
	if v, ok := get("RETRY_BASE_DELAY"); ok {
		if cfg.Retry.BaseDelay, err = time.ParseDuration(v); err != nil {
			return envError("RETRY_BASE_DELAY", err)
		}
	}
	if v, ok := get("REDIS_DB"); ok {
		if cfg.Redis.DB, err = strconv.Atoi(v); err != nil {
			return envError("REDIS_DB", err)
		}
	}
	if v, ok := get("HTTP_RATE_LIMIT"); ok {
		if cfg.HTTP.RateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return envError("HTTP_RATE_LIMIT", err)
		}
	}
	if v, ok := get("HTTP_BURST"); ok {
		if cfg.HTTP.Burst, err = strconv.Atoi(v); err != nil {
			return envError("HTTP_BURST", err)
		}
	}
	if v, ok := get("TOAST_SUCCESS_DURATION"); ok {
		if cfg.Toast.SuccessDuration, err = time.ParseDuration(v); err != nil {
			return envError("TOAST_SUCCESS_DURATION", err)
		}
	}
	return nil
}

func envError(key string, err error) error {
	return fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
