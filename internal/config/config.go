// Package config loads the relay configuration from defaults, an optional
// ini file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	ini "gopkg.in/ini.v1"
)

type ServerConf struct {
	Listen           string        `ini:"listen"`
	MaxConnections   int           `ini:"max_connections"`
	HandshakeTimeout time.Duration `ini:"handshake_timeout"`
	ProxyProtocol    bool          `ini:"proxy_protocol"`
	ReuseAddr        bool          `ini:"reuse_addr"`
}

type DialConf struct {
	Timeout      time.Duration `ini:"dial_timeout"`
	Nameserver   string        `ini:"nameserver"`
	TCPKeepAlive string        `ini:"tcp_keepalive"`
}

type LogConf struct {
	Level    string `ini:"level"`
	NoColors bool   `ini:"no_colors"`
}

type MetricsConf struct {
	Listen string `ini:"listen"`
}

// Config is the whole relay configuration.
type Config struct {
	File string `ini:"-"`

	ServerConf  `ini:"server"`
	DialConf    `ini:"dial"`
	LogConf     `ini:"log"`
	MetricsConf `ini:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerConf: ServerConf{
			Listen:           "0.0.0.0:10080",
			MaxConnections:   1000,
			HandshakeTimeout: 10 * time.Second,
			ReuseAddr:        true,
		},
		DialConf: DialConf{
			Timeout:      10 * time.Second,
			TCPKeepAlive: "45:45:3",
		},
		LogConf: LogConf{
			Level: "info",
		},
		MetricsConf: MetricsConf{
			Listen: ":10081",
		},
	}
}

func (c *Config) flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.StringVarP(&c.File, "config", "c", c.File, "Path to an ini config file. Flags override values from the file.")
	fs.StringVar(&c.ServerConf.Listen, "listen", c.ServerConf.Listen, "SOCKS5 listen address")
	fs.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "Maximum number of concurrent sessions")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "Deadline for the greeting and request; 0 disables")
	fs.BoolVar(&c.ProxyProtocol, "proxy-protocol", c.ProxyProtocol, "Expect a PROXY protocol header on accepted connections")
	fs.BoolVar(&c.ReuseAddr, "reuse-addr", c.ReuseAddr, "Set SO_REUSEADDR on the listening socket")
	fs.DurationVar(&c.DialConf.Timeout, "dial-timeout", c.DialConf.Timeout, "Timeout for destination DNS lookup and TCP connect")
	fs.StringVar(&c.Nameserver, "nameserver", c.Nameserver, "DNS server (host[:port]) for domain requests. Empty uses the system resolver.")
	fs.StringVar(&c.TCPKeepAlive, "tcp-keepalive", c.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&c.Level, "log-level", c.Level, "Log level: trace|debug|info|warn|error")
	fs.BoolVar(&c.NoColors, "no-colors", c.NoColors, "Disable colored log output")
	fs.StringVar(&c.MetricsConf.Listen, "metrics-listen", c.MetricsConf.Listen, "Prometheus /metrics listen address. Empty disables.")
	return fs
}

// Load builds the configuration from args (without the program name).
func Load(name string, args []string) (*Config, error) {
	cfg := Default()
	fs := cfg.flags(name)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.File != "" {
		if err := LoadIni(cfg, cfg.File); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfg.File, err)
		}
		// parse again so explicit flags win over the file
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIni maps the sections of fileName onto cfg.
func LoadIni(cfg *Config, fileName string) error {
	f, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return f.MapTo(cfg)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.ServerConf.Listen == "" {
		return errors.New("empty listen address")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0, got %d", c.MaxConnections)
	}
	if c.HandshakeTimeout < 0 || c.DialConf.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}
	return nil
}

// KeepAlive returns the parsed keepalive setting. Call after Validate.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	ka, _ := ParseTCPKeepAlive(c.TCPKeepAlive)
	return ka
}

// ParseTCPKeepAlive parses on, off or keepidle:keepintvl:keepcnt (seconds,
// seconds, count).
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
