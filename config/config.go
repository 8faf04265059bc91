// Package config loads process settings from an optional YAML file, an
// optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/glimte/rabbitlink/command"
	"github.com/glimte/rabbitlink/internal/actor"
	"github.com/glimte/rabbitlink/internal/reliability"
	"github.com/glimte/rabbitlink/internal/telemetry"
)

const (
	envPrefix         = "RABBITLINK"
	defaultConfigName = "rabbitlink"
	defaultDotEnv     = ".env"
)

type Settings struct {
	AMQPAddr         string                 `mapstructure:"amqp_addr" validate:"required"`
	ConnectionName   string                 `mapstructure:"connection_name" validate:"required"`
	DialTimeout      time.Duration          `mapstructure:"dial_timeout" validate:"gt=0"`
	LogLevel         string                 `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MailboxSize      int                    `mapstructure:"mailbox_size" validate:"gte=1"`
	OperationTimeout time.Duration          `mapstructure:"operation_timeout" validate:"gte=0"`
	Heartbeat        HeartbeatSettings      `mapstructure:"heartbeat"`
	Exchanges        []ExchangeSettings     `mapstructure:"exchanges" validate:"dive"`
	Subscriptions    []SubscriptionSettings `mapstructure:"subscriptions" validate:"dive"`
	Reconnect        ReconnectSettings      `mapstructure:"reconnect"`
	Handler          HandlerSettings        `mapstructure:"handler"`
	Metrics          MetricsSettings        `mapstructure:"metrics"`
	Observability    Observability          `mapstructure:"observability"`
}

// HeartbeatSettings configures the liveness publish. An interval of zero
// turns it off.
type HeartbeatSettings struct {
	Exchange   string        `mapstructure:"exchange"`
	RoutingKey string        `mapstructure:"routing_key"`
	Payload    string        `mapstructure:"payload"`
	Interval   time.Duration `mapstructure:"interval" validate:"gte=0"`
}

type ExchangeSettings struct {
	Name    string                  `mapstructure:"name" validate:"required"`
	Kind    command.ExchangeKind    `mapstructure:"kind"`
	Options command.ExchangeOptions `mapstructure:"options"`
}

type SubscriptionSettings struct {
	Queue      string `mapstructure:"queue" validate:"required"`
	Exchange   string `mapstructure:"exchange" validate:"required"`
	BindingKey string `mapstructure:"binding_key"`
}

// ReconnectSettings is the backoff between redials. MaxAttempts of zero
// retries forever.
type ReconnectSettings struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=0"`
}

// HandlerSettings configures the interceptors around the delivery handler.
// A zero timeout or failure threshold disables that interceptor; an empty
// routing key list accepts every message.
type HandlerSettings struct {
	Timeout          time.Duration `mapstructure:"timeout" validate:"gte=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"required_with=FailureThreshold,gte=0"`
	RoutingKeys      []string      `mapstructure:"routing_keys"`
}

// MetricsSettings configures the HTTP server for /metrics and the health
// endpoints. An empty address disables it.
type MetricsSettings struct {
	Address string `mapstructure:"address"`
}

// Observability configures tracing. An empty endpoint disables it.
type Observability struct {
	ServiceName     string `mapstructure:"service_name" validate:"required"`
	TracingEndpoint string `mapstructure:"tracing_endpoint"`
	Insecure        bool   `mapstructure:"insecure"`
}

// Option customizes where Load looks for settings
type Option func(*loader)

type loader struct {
	configFile string
	configDirs []string
	dotEnv     string
}

// WithConfigFile reads settings from path, which must exist
func WithConfigFile(path string) Option {
	return func(l *loader) {
		l.configFile = path
	}
}

// WithConfigDir adds a directory searched for rabbitlink.yaml
func WithConfigDir(dir string) Option {
	return func(l *loader) {
		l.configDirs = append(l.configDirs, dir)
	}
}

// WithDotEnv sets the .env file loaded into the environment
func WithDotEnv(path string) Option {
	return func(l *loader) {
		l.dotEnv = path
	}
}

// Load resolves settings in increasing priority: defaults, config file,
// environment. Variables from the .env file only fill in ones that are not
// already set.
func Load(options ...Option) (*Settings, error) {
	l := &loader{configDirs: []string{"."}, dotEnv: defaultDotEnv}
	for _, opt := range options {
		opt(l)
	}

	if err := loadDotEnv(l.dotEnv); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName(defaultConfigName)
		for _, dir := range l.configDirs {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the broker address keeps its historical unprefixed name
	if err := v.BindEnv("amqp_addr", "AMQP_ADDR", envPrefix+"_AMQP_ADDR"); err != nil {
		return nil, err
	}

	s := &Settings{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(s, hook); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	def := actor.DefaultConfig()

	v.SetDefault("connection_name", "rabbitlink")
	v.SetDefault("dial_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("mailbox_size", def.MailboxSize)
	v.SetDefault("operation_timeout", time.Duration(0))

	v.SetDefault("heartbeat.exchange", def.Heartbeat.Exchange)
	v.SetDefault("heartbeat.routing_key", def.Heartbeat.RoutingKey)
	v.SetDefault("heartbeat.payload", string(def.Heartbeat.Payload))
	v.SetDefault("heartbeat.interval", def.Heartbeat.Interval)

	exchanges := make([]map[string]any, 0, len(def.Topology.Exchanges))
	for _, ex := range def.Topology.Exchanges {
		exchanges = append(exchanges, map[string]any{
			"name": ex.Name,
			"kind": ex.Kind.String(),
			"options": map[string]any{
				"passive":     ex.Options.Passive,
				"durable":     ex.Options.Durable,
				"auto_delete": ex.Options.AutoDelete,
				"internal":    ex.Options.Internal,
				"nowait":      ex.Options.NoWait,
			},
		})
	}
	v.SetDefault("exchanges", exchanges)

	subscriptions := make([]map[string]any, 0, len(def.Topology.Subscriptions))
	for _, sub := range def.Topology.Subscriptions {
		subscriptions = append(subscriptions, map[string]any{
			"queue":       sub.Queue,
			"exchange":    sub.Exchange,
			"binding_key": sub.BindingKey,
		})
	}
	v.SetDefault("subscriptions", subscriptions)

	v.SetDefault("reconnect.initial_interval", 500*time.Millisecond)
	v.SetDefault("reconnect.max_interval", 30*time.Second)
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.max_attempts", 0)

	v.SetDefault("handler.timeout", 5*time.Second)
	v.SetDefault("handler.failure_threshold", 5)
	v.SetDefault("handler.cooldown", 30*time.Second)
	v.SetDefault("handler.routing_keys", []string{})

	v.SetDefault("metrics.address", "")

	v.SetDefault("observability.service_name", "rabbitlink")
	v.SetDefault("observability.tracing_endpoint", "")
	v.SetDefault("observability.insecure", true)
}

// loadDotEnv copies variables from a dotenv file into the process
// environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if os.Getenv(name) != "" {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks field constraints and that every configured exchange and
// subscription forms a valid command.
func (s *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	topology := s.Topology()
	for _, ex := range topology.Exchanges {
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: exchange %q: %w", ex.Name, err)
		}
	}
	for _, sub := range topology.Subscriptions {
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: subscription %q: %w", sub.Queue, err)
		}
	}
	return nil
}

// Topology returns the exchanges and subscriptions applied at start
func (s *Settings) Topology() actor.Topology {
	var t actor.Topology
	for _, ex := range s.Exchanges {
		t.Exchanges = append(t.Exchanges, command.DeclareExchange{
			Name:    ex.Name,
			Kind:    ex.Kind,
			Options: ex.Options,
		})
	}
	for _, sub := range s.Subscriptions {
		t.Subscriptions = append(t.Subscriptions, command.StartConsuming{
			Queue:      sub.Queue,
			Exchange:   sub.Exchange,
			BindingKey: sub.BindingKey,
		})
	}
	return t
}

func (s *Settings) ActorConfig() actor.Config {
	return actor.Config{
		Heartbeat: actor.HeartbeatConfig{
			Exchange:   s.Heartbeat.Exchange,
			RoutingKey: s.Heartbeat.RoutingKey,
			Payload:    []byte(s.Heartbeat.Payload),
			Interval:   s.Heartbeat.Interval,
		},
		Topology:         s.Topology(),
		MailboxSize:      s.MailboxSize,
		OperationTimeout: s.OperationTimeout,
	}
}

func (s *Settings) ReconnectPolicy() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(
		s.Reconnect.InitialInterval,
		s.Reconnect.MaxInterval,
		s.Reconnect.Multiplier,
		s.Reconnect.MaxAttempts,
	)
}

func (s *Settings) Telemetry() telemetry.Config {
	return telemetry.Config{
		ServiceName: s.Observability.ServiceName,
		Endpoint:    s.Observability.TracingEndpoint,
		Insecure:    s.Observability.Insecure,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info
func (s *Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
