package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHATSYNC"

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

var DefaultRooms = []string{"lobby", "general", "random"}

type Retention struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold int           `mapstructure:"threshold"`
	Keep      int           `mapstructure:"keep"`
}

type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Server holds the relay server configuration.
type Server struct {
	Addr           string    `mapstructure:"addr"`
	Env            string    `mapstructure:"env"`
	LogLevel       string    `mapstructure:"log_level"`
	Rooms          []string  `mapstructure:"rooms"`
	HistoryLimit   int       `mapstructure:"history_limit"`
	Backend        string    `mapstructure:"backend"`
	DBPath         string    `mapstructure:"db_path"`
	RedisURL       string    `mapstructure:"redis_url"`
	NATSURL        string    `mapstructure:"nats_url"`
	NodeID         string    `mapstructure:"node_id"`
	AllowedOrigins []string  `mapstructure:"allowed_origins"`
	Retention      Retention `mapstructure:"retention"`
	RateLimit      RateLimit `mapstructure:"rate_limit"`
}

// Client holds the terminal client configuration.
type Client struct {
	URL         string        `mapstructure:"url"`
	Env         string        `mapstructure:"env"`
	LogLevel    string        `mapstructure:"log_level"`
	Rooms       []string      `mapstructure:"rooms"`
	Room        string        `mapstructure:"room"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

func (s *Server) IsDevelopment() bool {
	return s.Env == "development"
}

func (c *Client) IsDevelopment() bool {
	return c.Env == "development"
}

// LoadServer reads server settings from defaults, an optional config file
// and CHATSYNC_* environment variables, in increasing priority.
func LoadServer(path string) (*Server, error) {
	v := newViper()
	v.SetDefault("addr", ":8080")
	v.SetDefault("history_limit", 100)
	v.SetDefault("backend", "sqlite")
	v.SetDefault("db_path", "chatsync.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("node_id", "")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("retention.interval", 5*time.Minute)
	v.SetDefault("retention.threshold", 1000)
	v.SetDefault("retention.keep", 500)
	v.SetDefault("rate_limit.per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)

	if err := readFile(v, path); err != nil {
		return nil, err
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Rooms = splitList(cfg.Rooms)
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads client settings the same way LoadServer does.
func LoadClient(path string) (*Client, error) {
	v := newViper()
	v.SetDefault("url", "ws://localhost:8080/ws")
	v.SetDefault("room", "")
	v.SetDefault("grace_period", 5*time.Second)

	if err := readFile(v, path); err != nil {
		return nil, err
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Rooms = splitList(cfg.Rooms)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Server) Validate() error {
	if err := validateRooms(s.Rooms); err != nil {
		return err
	}
	if s.HistoryLimit <= 0 {
		return errors.New("history_limit must be positive")
	}
	switch s.Backend {
	case "sqlite":
		if s.DBPath == "" {
			return errors.New("db_path is required for the sqlite backend")
		}
	case "redis":
		if s.RedisURL == "" {
			return errors.New("redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Retention.Keep <= 0 || s.Retention.Threshold < s.Retention.Keep {
		return errors.New("retention.threshold must be at least retention.keep, and keep positive")
	}
	if s.Retention.Interval <= 0 {
		return errors.New("retention.interval must be positive")
	}
	return nil
}

func (c *Client) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if err := validateRooms(c.Rooms); err != nil {
		return err
	}
	if c.Room != "" && !slices.Contains(c.Rooms, c.Room) {
		return fmt.Errorf("room %q is not in the catalog", c.Room)
	}
	if c.GracePeriod < 0 {
		return errors.New("grace_period must not be negative")
	}
	return nil
}

func newViper() *viper.Viper {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("rooms", DefaultRooms)
	return v
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Env values arrive as one comma-separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func validateRooms(rooms []string) error {
	if len(rooms) == 0 {
		return errors.New("rooms must not be empty")
	}
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		if !roomNamePattern.MatchString(r) {
			return fmt.Errorf("invalid room name %q", r)
		}
		if seen[r] {
			return fmt.Errorf("duplicate room %q", r)
		}
		seen[r] = true
	}
	return nil
}
