package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	HTTPPort  int    `mapstructure:"http_port"`
	SignalURL string `mapstructure:"signal_url"`
	SelfID    string `mapstructure:"self_id"`
	Secret    string `mapstructure:"secret"`

	ICE    ICE    `mapstructure:"ice"`
	Call   Call   `mapstructure:"call"`
	Signal Signal `mapstructure:"signal"`
}

type ICE struct {
	Servers             []string      `mapstructure:"servers"`
	MDNSMode            string        `mapstructure:"mdns_mode"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

// Call holds the timing of the call state machines.
//
// ToggleGraceMatch and ToggleGraceDirect are product heuristics: they suppress
// "camera off" toggles that arrive right after the connection is established
// while live video is flowing. Matched (room) calls and direct calls use
// different windows.
type Call struct {
	Cooldown             time.Duration `mapstructure:"cooldown"`
	SettleTimeout        time.Duration `mapstructure:"settle_timeout"`
	MaxRestarts          int           `mapstructure:"max_restarts"`
	PendingToggleTTL     time.Duration `mapstructure:"pending_toggle_ttl"`
	ToggleGraceMatch     time.Duration `mapstructure:"toggle_grace_match"`
	ToggleGraceDirect    time.Duration `mapstructure:"toggle_grace_direct"`
	LivenessPollInterval time.Duration `mapstructure:"liveness_poll_interval"`
	MuteAfter            time.Duration `mapstructure:"mute_after"`
	DedupCapacity        int           `mapstructure:"dedup_capacity"`
	InboxSize            int           `mapstructure:"inbox_size"`
}

type Signal struct {
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateInterval       time.Duration `mapstructure:"rate_interval"`
	BackoffMaxInterval time.Duration `mapstructure:"backoff_max_interval"`
}

// DefaultCall returns the call timings used when nothing is configured.
func DefaultCall() Call {
	return Call{
		Cooldown:             10 * time.Second,
		SettleTimeout:        5 * time.Second,
		MaxRestarts:          5,
		PendingToggleTTL:     5 * time.Second,
		ToggleGraceMatch:     3 * time.Second,
		ToggleGraceDirect:    5 * time.Second,
		LivenessPollInterval: 2 * time.Second,
		MuteAfter:            3 * time.Second,
		DedupCapacity:        256,
		InboxSize:            64,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("http_port", 8090)
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("self_id", "")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.mdns_mode", "disabled")
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")

	c := DefaultCall()
	v.SetDefault("call.cooldown", c.Cooldown)
	v.SetDefault("call.settle_timeout", c.SettleTimeout)
	v.SetDefault("call.max_restarts", c.MaxRestarts)
	v.SetDefault("call.pending_toggle_ttl", c.PendingToggleTTL)
	v.SetDefault("call.toggle_grace_match", c.ToggleGraceMatch)
	v.SetDefault("call.toggle_grace_direct", c.ToggleGraceDirect)
	v.SetDefault("call.liveness_poll_interval", c.LivenessPollInterval)
	v.SetDefault("call.mute_after", c.MuteAfter)
	v.SetDefault("call.dedup_capacity", c.DedupCapacity)
	v.SetDefault("call.inbox_size", c.InboxSize)

	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_interval", "1s")
	v.SetDefault("signal.backoff_max_interval", "30s")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults. Environment
// variables prefixed with VOICECALL_ override file values. v may carry flags
// already bound by the caller; nil means a fresh instance.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetConfigType("yaml")

	env := v.GetString("config_env")
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("VOICECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		// Sessions then last only as long as the process.
		cfg.Secret = uuid.NewString()
		log.Warn().Str("module", "config").Msg("secret not set, using a random session key")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("http_port", cfg.HTTPPort).
		Str("signal_url", cfg.SignalURL).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SignalURL == "" {
		return errors.New("signal_url must be set")
	}
	if c.Secret == "" {
		return errors.New("secret must be set")
	}
	return c.Call.Validate()
}

func (c Call) Validate() error {
	if c.Cooldown <= 0 || c.SettleTimeout <= 0 {
		return errors.New("call.cooldown and call.settle_timeout must be positive")
	}
	if c.MaxRestarts <= 0 {
		return errors.New("call.max_restarts must be positive")
	}
	if c.PendingToggleTTL <= 0 {
		return errors.New("call.pending_toggle_ttl must be positive")
	}
	if c.ToggleGraceMatch < 0 || c.ToggleGraceDirect < 0 {
		return errors.New("call toggle grace windows must not be negative")
	}
	if c.DedupCapacity <= 0 || c.InboxSize <= 0 {
		return errors.New("call.dedup_capacity and call.inbox_size must be positive")
	}
	return nil
}
