// Package config loads trafficd configuration.
//
// Values are layered, each layer overriding the one before it:
//   - built-in defaults (Default),
//   - a YAML file named by the --config flag or the TRAFFICD_CONFIG environment variable,
//   - TRAFFICD_* environment variables (a .env file can supply them, see LoadDotEnv),
//   - command-line flags, applied by the caller.
//
// There is no config file discovery: without a path only defaults and the environment apply.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TRAFFICD_CONFIG"

// Config is the configuration of every service trafficd can run.
type Config struct {
	// Log configures the process-wide slog handler.
	Log LogConfig `yaml:"log"`

	// Speed configures the speed limit enforcement server.
	Speed SpeedConfig `yaml:"speed"`

	// Chat configures the chat room server.
	Chat ChatConfig `yaml:"chat"`

	// Unusual configures the UDP key-value store.
	Unusual UnusualConfig `yaml:"unusual"`

	// Status configures the HTTP build info and metrics page.
	Status StatusConfig `yaml:"status"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`
}

// SpeedConfig configures the speed limit enforcement server.
type SpeedConfig struct {
	// Listen is the TCP address to accept cameras and dispatchers on.
	// Default: :8080
	Listen string `yaml:"listen"`

	// InboundQueue is how many events the dispatch core buffers before connections block.
	// Default: 1024
	InboundQueue int `yaml:"inbound_queue"`

	// TicketFeed configures publication of issued tickets.
	TicketFeed TicketFeedConfig `yaml:"ticket_feed"`
}

// TicketFeedConfig configures the Redis ticket feed. The feed is disabled when RedisAddr is empty.
type TicketFeedConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Channel is the pub/sub channel tickets are published on.
	// Default: speeddaemon:tickets
	Channel string `yaml:"channel"`

	// Buffer is how many tickets may wait for publication before new ones are dropped.
	// Default: 256
	Buffer int `yaml:"buffer"`
}

// Enabled reports whether tickets should be published.
func (c TicketFeedConfig) Enabled() bool {
	return c.RedisAddr != ""
}

// ChatConfig configures the chat room server.
type ChatConfig struct {
	Listen string `yaml:"listen"`

	// Welcome is the first line sent to every new client.
	Welcome string `yaml:"welcome"`
}

// UnusualConfig configures the UDP key-value store.
type UnusualConfig struct {
	Listen string `yaml:"listen"`

	// Version is the read-only value of the "version" key.
	Version string `yaml:"version"`
}

// StatusConfig configures the status page. It is disabled when Listen is empty.
type StatusConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Speed: SpeedConfig{
			Listen:       ":8080",
			InboundQueue: 1024,
			TicketFeed: TicketFeedConfig{
				Channel: "speeddaemon:tickets",
				Buffer:  256,
			},
		},
		Chat: ChatConfig{
			Listen:  ":8080",
			Welcome: "Welcome to budgetchat! What shall I call you?",
		},
		Unusual: UnusualConfig{
			Listen:  ":8080",
			Version: "Ken's Key-Value Store 1.0",
		},
	}
}

// LoadDotEnv loads environment variables from a .env file at path. A missing file is not an
// error. Variables that are already set are left alone.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path (or at $TRAFFICD_CONFIG when path
// is empty) and then the TRAFFICD_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into c. Unknown keys are an error.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	setString := func(key string, target *string) {
		if v, ok := os.LookupEnv(key); ok {
			*target = v
		}
	}
	setInt := func(key string, target *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = n
	}

	setString("TRAFFICD_LOG_LEVEL", &c.Log.Level)
	setString("TRAFFICD_LOG_FORMAT", &c.Log.Format)
	setString("TRAFFICD_SPEED_LISTEN", &c.Speed.Listen)
	setInt("TRAFFICD_SPEED_INBOUND_QUEUE", &c.Speed.InboundQueue)
	setString("TRAFFICD_REDIS_ADDR", &c.Speed.TicketFeed.RedisAddr)
	setString("TRAFFICD_REDIS_PASSWORD", &c.Speed.TicketFeed.RedisPassword)
	setInt("TRAFFICD_REDIS_DB", &c.Speed.TicketFeed.RedisDB)
	setString("TRAFFICD_TICKET_CHANNEL", &c.Speed.TicketFeed.Channel)
	setInt("TRAFFICD_TICKET_BUFFER", &c.Speed.TicketFeed.Buffer)
	setString("TRAFFICD_CHAT_LISTEN", &c.Chat.Listen)
	setString("TRAFFICD_UNUSUAL_LISTEN", &c.Unusual.Listen)
	setString("TRAFFICD_STATUS_LISTEN", &c.Status.Listen)

	return errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format: %q", c.Log.Format))
	}
	if c.Speed.Listen == "" {
		errs = append(errs, errors.New("speed.listen is required"))
	}
	if c.Speed.InboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("speed.inbound_queue must be positive, got %d", c.Speed.InboundQueue))
	}
	if c.Speed.TicketFeed.Enabled() {
		if c.Speed.TicketFeed.Channel == "" {
			errs = append(errs, errors.New("speed.ticket_feed.channel is required"))
		}
		if c.Speed.TicketFeed.Buffer <= 0 {
			errs = append(errs, fmt.Errorf("speed.ticket_feed.buffer must be positive, got %d", c.Speed.TicketFeed.Buffer))
		}
	}
	if c.Chat.Listen == "" {
		errs = append(errs, errors.New("chat.listen is required"))
	}
	if c.Unusual.Listen == "" {
		errs = append(errs, errors.New("unusual.listen is required"))
	}

	return errors.Join(errs...)
}

// ParseLevel converts a configured level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %q", level)
	}
}
