// Package config loads pfwidget settings with viper. Precedence, lowest
// first: built-in defaults, the YAML config file, PFWIDGET_* environment
// variables, command-line flags bound by the caller.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/pfwidget/pkg/logging"
	"github.com/go-go-golems/pfwidget/pkg/redisstream"
)

const (
	EnvPrefix = "PFWIDGET"
	AppDir    = ".pfwidget"
)

type ReconnectSettings struct {
	Enabled  bool          `mapstructure:"enabled"`
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max-delay"`
}

type BrokerSettings struct {
	Addr       string        `mapstructure:"addr"`
	DB         string        `mapstructure:"db"`
	Reply      string        `mapstructure:"reply"`
	ReplyDelay time.Duration `mapstructure:"reply-delay"`
}

type Settings struct {
	APIBase        string        `mapstructure:"api-base"`
	WSPath         string        `mapstructure:"ws-path"`
	WidgetID       string        `mapstructure:"widget-id"`
	DisplayName    string        `mapstructure:"display-name"`
	Store          string        `mapstructure:"store"`
	StorePath      string        `mapstructure:"store-path"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	PingInterval   time.Duration `mapstructure:"ping-interval"`
	Greeting       string        `mapstructure:"greeting"`

	Reconnect ReconnectSettings    `mapstructure:"reconnect"`
	Logging   logging.Settings     `mapstructure:",squash"`
	Broker    BrokerSettings       `mapstructure:"broker"`
	Redis     redisstream.Settings `mapstructure:"redis"`
}

// SetDefaults registers every key so that env overrides are picked up by
// Unmarshal even when the config file does not mention them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api-base", "http://localhost:8001")
	v.SetDefault("ws-path", "/ws")
	v.SetDefault("widget-id", "default")
	v.SetDefault("display-name", "Website visitor")
	v.SetDefault("store", "file")
	v.SetDefault("store-path", "")
	v.SetDefault("request-timeout", 15*time.Second)
	v.SetDefault("ping-interval", 25*time.Second)
	v.SetDefault("greeting", "Hi! How can we help you today?")

	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.attempts", 0)
	v.SetDefault("reconnect.delay", 500*time.Millisecond)
	v.SetDefault("reconnect.max-delay", 30*time.Second)

	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "auto")
	v.SetDefault("log-file", "")
	v.SetDefault("with-caller", false)

	v.SetDefault("broker.addr", ":8001")
	v.SetDefault("broker.db", "")
	v.SetDefault("broker.reply", "Thanks for your message! An agent will get back to you shortly.")
	v.SetDefault("broker.reply-delay", 300*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "")
	v.SetDefault("redis.consumer", "")
	v.SetDefault("redis.stream", redisstream.DefaultStream)
}

// NewViper builds a viper instance with defaults and env bindings and reads
// configFile, or ~/.pfwidget/config.yaml when configFile is empty. A missing
// default config file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: read default config")
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug().Str("config_path", used).Msg("using config file")
	}
	return v, nil
}

// Load unmarshals and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	s.APIBase = strings.TrimRight(strings.TrimSpace(s.APIBase), "/")
	s.Store = strings.ToLower(strings.TrimSpace(s.Store))
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Dir is the per-user pfwidget directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "config: resolve home directory")
	}
	return filepath.Join(home, AppDir), nil
}

// ResolveStorePath returns the configured store path, or a per-widget
// default under Dir.
func (s *Settings) ResolveStorePath() (string, error) {
	if s.StorePath != "" {
		return s.StorePath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	name := "profile.yaml"
	if s.Store == "sqlite" {
		name = "profile.db"
	}
	return filepath.Join(dir, s.WidgetID, name), nil
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "config: " + strings.Join(msgs, "; ")
}

func (s *Settings) Validate() error {
	var errs ValidationErrors

	if u, err := url.Parse(s.APIBase); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{Field: "api-base", Message: fmt.Sprintf("invalid url %q", s.APIBase)})
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		errs = append(errs, ValidationError{Field: "ws-path", Message: "must start with /"})
	}
	if strings.TrimSpace(s.WidgetID) == "" || strings.ContainsAny(s.WidgetID, `/\`) {
		errs = append(errs, ValidationError{Field: "widget-id", Message: fmt.Sprintf("invalid widget id %q", s.WidgetID)})
	}
	switch s.Store {
	case "file", "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{Field: "store", Message: fmt.Sprintf("unknown store %q, must be one of: file, sqlite, memory", s.Store)})
	}
	for field, d := range map[string]time.Duration{
		"request-timeout":     s.RequestTimeout,
		"ping-interval":       s.PingInterval,
		"reconnect.delay":     s.Reconnect.Delay,
		"reconnect.max-delay": s.Reconnect.MaxDelay,
		"broker.reply-delay":  s.Broker.ReplyDelay,
	} {
		if d < 0 {
			errs = append(errs, ValidationError{Field: field, Message: "must not be negative"})
		}
	}
	if s.Reconnect.Attempts < 0 {
		errs = append(errs, ValidationError{Field: "reconnect.attempts", Message: "must not be negative"})
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		errs = append(errs, ValidationError{Field: "redis.addr", Message: "required when redis is enabled"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
