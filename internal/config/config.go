package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MARKETCHAT_"

const (
	defaultAddr            = ":8080"
	defaultDriver          = "pgx"
	defaultTokenTTL        = 24 * time.Hour
	defaultSendQueue       = 256
	defaultRoomQueue       = 1024
	defaultRingTimeout     = 30 * time.Second
	defaultAppendTimeout   = 2 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultHistoryLimit    = 50
	defaultRateRPS         = 20
	defaultRateBurst       = 40
	defaultDedupeWindow    = 512
	defaultUserQueue       = 256
	defaultAttachmentsDir  = "./attachments"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Chat        ChatConfig        `yaml:"chat"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "pgx" for PostgreSQL or "sqlite" for the embedded store.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables cross-instance notification fan-out and the workflow
// task worker. Both are off when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	TokenTTL  Duration `yaml:"token_ttl"`
	// InternalKey guards POST /internal/notify/. Empty disables the route.
	InternalKey string `yaml:"internal_key"`
}

type ChatConfig struct {
	SendQueue       int      `yaml:"send_queue"`
	SendWait        Duration `yaml:"send_wait"`
	RoomQueue       int      `yaml:"room_queue"`
	RingTimeout     Duration `yaml:"ring_timeout"`
	AppendTimeout   Duration `yaml:"append_timeout"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	HistoryLimit    int      `yaml:"history_limit"`
	RateRPS         float64  `yaml:"rate_rps"`
	RateBurst       int      `yaml:"rate_burst"`
	DedupeWindow    int      `yaml:"dedupe_window"`
}

type NotifyConfig struct {
	UserQueue int `yaml:"user_queue"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AttachmentsConfig struct {
	Dir string `yaml:"dir"`
}

// Duration accepts "30s" style strings or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// LoadFile reads a YAML config. A missing file yields an empty config.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv populates the process environment from a .env file if present.
// Variables that are already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays environment values on cfg. lookup is os.LookupEnv in
// production. The unprefixed DB_DSN, JWT_SECRET and REDIS_ADDR are honoured for
// existing deployments.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			return v, true
		}
		return "", false
	}
	legacy := func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		return "", false
	}

	if v, ok := get("ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := get("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := get("DB_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := legacy("DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := get("DB_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := legacy("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := legacy("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := get("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := get("INTERNAL_KEY"); ok {
		c.Auth.InternalKey = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("ATTACHMENTS_DIR"); ok {
		c.Attachments.Dir = v
	}

	durations := map[string]*Duration{
		"TOKEN_TTL":      &c.Auth.TokenTTL,
		"RING_TIMEOUT":   &c.Chat.RingTimeout,
		"APPEND_TIMEOUT": &c.Chat.AppendTimeout,
		"SEND_WAIT":      &c.Chat.SendWait,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = Duration(d)
		}
	}

	ints := map[string]*int{
		"SEND_QUEUE":    &c.Chat.SendQueue,
		"ROOM_QUEUE":    &c.Chat.RoomQueue,
		"HISTORY_LIMIT": &c.Chat.HistoryLimit,
		"RATE_BURST":    &c.Chat.RateBurst,
		"DEDUPE_WINDOW": &c.Chat.DedupeWindow,
		"USER_QUEUE":    &c.Notify.UserQueue,
		"REDIS_DB":      &c.Redis.DB,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := get("RATE_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_RPS: %w", envPrefix, err)
		}
		c.Chat.RateRPS = f
	}
	if v, ok := get("MAX_MESSAGE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_MESSAGE_BYTES: %w", envPrefix, err)
		}
		c.Chat.MaxMessageBytes = n
	}
	return nil
}

// Validate fills defaults and rejects configs the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDriver
	}
	switch c.Database.Driver {
	case "pgx", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is not set")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is not set")
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(defaultTokenTTL)
	}

	ch := &c.Chat
	if ch.SendQueue <= 0 {
		ch.SendQueue = defaultSendQueue
	}
	if ch.SendWait < 0 {
		ch.SendWait = 0
	}
	if ch.RoomQueue <= 0 {
		ch.RoomQueue = defaultRoomQueue
	}
	if ch.RingTimeout <= 0 {
		ch.RingTimeout = Duration(defaultRingTimeout)
	}
	if ch.AppendTimeout <= 0 {
		ch.AppendTimeout = Duration(defaultAppendTimeout)
	}
	if ch.MaxMessageBytes <= 0 {
		ch.MaxMessageBytes = defaultMaxMessageBytes
	}
	if ch.HistoryLimit <= 0 {
		ch.HistoryLimit = defaultHistoryLimit
	}
	if ch.RateRPS <= 0 {
		ch.RateRPS = defaultRateRPS
	}
	if ch.RateBurst <= 0 {
		ch.RateBurst = defaultRateBurst
	}
	if ch.DedupeWindow <= 0 {
		ch.DedupeWindow = defaultDedupeWindow
	}

	if c.Notify.UserQueue <= 0 {
		c.Notify.UserQueue = defaultUserQueue
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Attachments.Dir == "" {
		c.Attachments.Dir = defaultAttachmentsDir
	}
	return nil
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
