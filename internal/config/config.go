// Package config loads service settings from an optional YAML file and
// THERMAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/thereceipt/thermal-dispatch/internal/logging"
)

const envPrefix = "THERMAL"

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      logging.Config `mapstructure:"log"`
	Printer  PrinterConfig  `mapstructure:"printer"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// PrinterConfig tunes the dispatcher and its transports.
type PrinterConfig struct {
	QueueSize        int  `mapstructure:"queue_size"`
	HistoryLimit     int  `mapstructure:"history_limit"`
	TCPTimeoutMS     int  `mapstructure:"tcp_timeout_ms"`
	CashboxCut       bool `mapstructure:"cashbox_cut"`
	RenderMarkup     bool `mapstructure:"render_markup"`
	BluetoothChannel int  `mapstructure:"bluetooth_channel"`
	SerialBaud       int  `mapstructure:"serial_baud"`
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// TCPTimeout returns the default connect timeout.
func (p PrinterConfig) TCPTimeout() time.Duration {
	return time.Duration(p.TCPTimeoutMS) * time.Millisecond
}

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":12212")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)

	v.SetDefault("printer.queue_size", 32)
	v.SetDefault("printer.history_limit", 256)
	v.SetDefault("printer.tcp_timeout_ms", 3000)
	v.SetDefault("printer.cashbox_cut", false)
	v.SetDefault("printer.render_markup", false)
	v.SetDefault("printer.bluetooth_channel", 1)
	v.SetDefault("printer.serial_baud", 9600)

	v.SetDefault("registry.path", "printer_registry.json")
}

// Load reads path (when non-empty, otherwise THERMAL_CONFIG) and the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	v := New()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the dispatcher cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Printer.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("printer.queue_size must be positive, got %d", c.Printer.QueueSize))
	}
	if c.Printer.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("printer.history_limit must not be negative, got %d", c.Printer.HistoryLimit))
	}
	if c.Printer.TCPTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("printer.tcp_timeout_ms must be positive, got %d", c.Printer.TCPTimeoutMS))
	}
	if c.Printer.BluetoothChannel < 1 || c.Printer.BluetoothChannel > 30 {
		errs = append(errs, fmt.Errorf("printer.bluetooth_channel must be within 1-30, got %d", c.Printer.BluetoothChannel))
	}
	if c.Printer.SerialBaud <= 0 {
		errs = append(errs, fmt.Errorf("printer.serial_baud must be positive, got %d", c.Printer.SerialBaud))
	}
	if c.Registry.Path == "" {
		errs = append(errs, errors.New("registry.path must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
