package keyviz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/keyviz/keyviz/internal/listener"
	"github.com/keyviz/keyviz/internal/tracker"
)

// configEnvVar names the config file when --config is not given.
const configEnvVar = "KEYVIZ_CONFIG"

const (
	defaultListenAddress = "127.0.0.1:7799"
	defaultHTTPAddress   = "127.0.0.1:7800"
)

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	// AllowedOrigins lists extra websocket origin patterns for renderers
	// served from another host, e.g. a dev server.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type Config struct {
	Listen         listener.Config `yaml:"listen" json:"listen"`
	Timings        tracker.Timings `yaml:"timings" json:"timings"`
	HTTP           HTTPConfig      `yaml:"http" json:"http"`
	Log            LogConfig       `yaml:"log" json:"log"`
	StatusInterval time.Duration   `yaml:"status_interval" json:"status_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen: listener.Config{
			Network:       listener.NetworkTCP,
			Address:       defaultListenAddress,
			MaxLineLength: listener.DefaultMaxLineLength,
		},
		Timings: tracker.DefaultTimings(),
		HTTP: HTTPConfig{
			Enabled: true,
			Address: defaultHTTPAddress,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logFormatConsole,
		},
		StatusInterval: 30 * time.Second,
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Listen.Network {
	case listener.NetworkTCP, listener.NetworkUDP:
	default:
		errs = append(errs, fmt.Errorf("listen.network must be %q or %q, got %q",
			listener.NetworkTCP, listener.NetworkUDP, c.Listen.Network))
	}
	if c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}
	if c.Listen.MaxLineLength <= 0 {
		errs = append(errs, errors.New("listen.max_line_length must be positive"))
	}
	if err := c.Timings.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, errors.New("http.address is required when http is enabled"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case logFormatConsole, logFormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format must be %q or %q, got %q",
			logFormatConsole, logFormatJSON, c.Log.Format))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, errors.New("status_interval must be positive"))
	}
	return errors.Join(errs...)
}

// watchConfig reloads path whenever it changes and passes every valid
// result to onChange. Invalid edits are logged and skipped. The directory is
// watched rather than the file so editors that replace the file on save are
// still seen.
func watchConfig(ctx context.Context, path string, l *zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}
	l.Debug().Str("path", target).Msg("watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(target)
			if err != nil {
				l.Warn().Err(err).Msg("ignoring config change")
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Warn().Err(err).Msg("config watcher error")
		}
	}
}
