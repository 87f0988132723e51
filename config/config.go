package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// Section is the ini section the gateway reads.
const Section = "gateway"

type Config struct {
	Port          int    `ini:"port"`
	Hostname      string `ini:"hostname"`
	DBPath        string `ini:"db_path"`
	ReadTimeout   int    `ini:"read_timeout"`  // seconds
	WriteTimeout  int    `ini:"write_timeout"` // seconds
	Keepalive     int    `ini:"keepalive"`     // seconds
	ControlSocket string `ini:"control_socket"`
	MetricsAddr   string `ini:"metrics_addr"`
	LogFormat     string `ini:"log_format"`
	LogLevel      string `ini:"log_level"`
	FloodRate     int    `ini:"flood_rate"` // lines per second
	FloodBurst    int    `ini:"flood_burst"`
	TransferDir   string `ini:"transfer_dir"`
}

func Default() *Config {
	return &Config{
		Port:          6667,
		Hostname:      "beegate.local",
		DBPath:        "beegate.db",
		ReadTimeout:   300,
		WriteTimeout:  30,
		Keepalive:     60,
		ControlSocket: "/tmp/beegate.sock",
		MetricsAddr:   ":9167",
		LogFormat:     "text",
		LogLevel:      "info",
		FloodRate:     5,
		FloodBurst:    10,
	}
}

// Load starts from the defaults, applies the [gateway] section of the ini
// file at path when path is set, then BEEGATE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := file.Section(Section).MapTo(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envInt("BEEGATE_PORT", &cfg.Port)
	envString("BEEGATE_HOSTNAME", &cfg.Hostname)
	envString("BEEGATE_DB_PATH", &cfg.DBPath)
	envInt("BEEGATE_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("BEEGATE_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("BEEGATE_KEEPALIVE", &cfg.Keepalive)
	envString("BEEGATE_CONTROL_SOCKET", &cfg.ControlSocket)
	envString("BEEGATE_METRICS_ADDR", &cfg.MetricsAddr)
	envString("BEEGATE_LOG_FORMAT", &cfg.LogFormat)
	envString("BEEGATE_LOG_LEVEL", &cfg.LogLevel)
	envInt("BEEGATE_FLOOD_RATE", &cfg.FloodRate)
	envInt("BEEGATE_FLOOD_BURST", &cfg.FloodBurst)
	envString("BEEGATE_TRANSFER_DIR", &cfg.TransferDir)

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.Keepalive <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.FloodRate <= 0 || c.FloodBurst <= 0 {
		return fmt.Errorf("flood control must be positive")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
