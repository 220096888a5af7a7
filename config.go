package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/john/flashforge_bridge/bridge"
	"github.com/john/flashforge_bridge/coordinator"
	"github.com/john/flashforge_bridge/printer"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Printer  PrinterConfig  `yaml:"printer"`
	Polling  PollingConfig  `yaml:"polling"`
	Statuses StatusesConfig `yaml:"statuses"`
	LogLevel string         `yaml:"log_level"`
	// DisabledActions are action names the bridge refuses to run.
	DisabledActions []string `yaml:"disabled_actions"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PrinterConfig struct {
	Name         string `yaml:"name"`
	Host         string `yaml:"host"`
	SerialNumber string `yaml:"serial_number"`
	CheckCode    string `yaml:"check_code"`
	// StatusMethod is POST or GET for the /detail endpoint.
	StatusMethod string `yaml:"status_method"`
	HTTPPort     int    `yaml:"http_port"`
	TCPPort      int    `yaml:"tcp_port"`
	// Timeouts in seconds.
	HTTPTimeout int `yaml:"http_timeout"`
	TCPTimeout  int `yaml:"tcp_timeout"`
}

// PollingConfig intervals are in seconds.
type PollingConfig struct {
	IdleInterval     int  `yaml:"idle_interval"`
	PrintingInterval int  `yaml:"printing_interval"`
	FailureThreshold int  `yaml:"failure_threshold"`
	QueryEndstops    bool `yaml:"query_endstops"`
	QueryPosition    bool `yaml:"query_position"`
	QueryBedLeveling bool `yaml:"query_bed_leveling"`
	QueryFiles       bool `yaml:"query_files"`
}

// StatusesConfig maps raw printer status strings onto phases.
type StatusesConfig struct {
	Printing []string `yaml:"printing"`
	Paused   []string `yaml:"paused"`
	Error    []string `yaml:"error"`
}

func DefaultConfig() *Config {
	def := coordinator.DefaultConfig("")
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7126,
		},
		Printer: PrinterConfig{
			StatusMethod: http.MethodPost,
			HTTPPort:     printer.HTTPPort,
			TCPPort:      printer.ControlPort,
			HTTPTimeout:  10,
			TCPTimeout:   5,
		},
		Polling: PollingConfig{
			IdleInterval:     10,
			PrintingInterval: 2,
			FailureThreshold: def.FailureThreshold,
			QueryEndstops:    true,
			QueryPosition:    true,
			QueryBedLeveling: true,
			QueryFiles:       true,
		},
		Statuses: StatusesConfig{
			Printing: def.PrintingStatuses,
			Paused:   def.PausedStatuses,
			Error:    def.ErrorStatuses,
		},
		LogLevel:        "info",
		DisabledActions: def.DisabledActions,
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Printer.Host = strings.TrimSpace(cfg.Printer.Host)
	cfg.Printer.StatusMethod = strings.ToUpper(strings.TrimSpace(cfg.Printer.StatusMethod))
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	p := c.Printer
	if p.Host == "" {
		return errors.New("printer.host is required")
	}
	if len(p.SerialNumber) < 6 {
		return errors.New("printer.serial_number must be at least 6 characters")
	}
	if len(p.CheckCode) < 4 {
		return errors.New("printer.check_code must be at least 4 characters")
	}
	if p.StatusMethod != http.MethodPost && p.StatusMethod != http.MethodGet {
		return fmt.Errorf("printer.status_method must be POST or GET, got %q", p.StatusMethod)
	}
	if p.HTTPTimeout < 1 {
		return errors.New("printer.http_timeout must be at least 1 second")
	}
	if p.TCPTimeout < 1 || p.TCPTimeout > 30 {
		return fmt.Errorf("printer.tcp_timeout must be 1-30 seconds, got %d", p.TCPTimeout)
	}
	if err := checkPort("printer.http_port", p.HTTPPort); err != nil {
		return err
	}
	if err := checkPort("printer.tcp_port", p.TCPPort); err != nil {
		return err
	}

	poll := c.Polling
	if poll.IdleInterval < 5 || poll.IdleInterval > 300 {
		return fmt.Errorf("polling.idle_interval must be 5-300 seconds, got %d", poll.IdleInterval)
	}
	if poll.PrintingInterval < 1 || poll.PrintingInterval > 15 {
		return fmt.Errorf("polling.printing_interval must be 1-15 seconds, got %d", poll.PrintingInterval)
	}
	if poll.FailureThreshold < 1 {
		return errors.New("polling.failure_threshold must be at least 1")
	}

	if err := checkPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	known := bridge.ActionNames()
	for _, a := range c.DisabledActions {
		if !slices.Contains(known, a) {
			return fmt.Errorf("disabled_actions: unknown action %q", a)
		}
	}
	return nil
}

func checkPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", name, port)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be debug, info, warn or error, got %q", s)
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CoordinatorConfig converts the file settings into coordinator settings.
func (c *Config) CoordinatorConfig() coordinator.Config {
	cc := coordinator.DefaultConfig(c.Printer.Host)
	if c.Printer.Name != "" {
		cc.Name = c.Printer.Name
	}
	cc.IdleInterval = time.Duration(c.Polling.IdleInterval) * time.Second
	cc.PrintingInterval = time.Duration(c.Polling.PrintingInterval) * time.Second
	cc.FailureThreshold = c.Polling.FailureThreshold
	cc.QueryEndstops = c.Polling.QueryEndstops
	cc.QueryPosition = c.Polling.QueryPosition
	cc.QueryBedLeveling = c.Polling.QueryBedLeveling
	cc.QueryFiles = c.Polling.QueryFiles
	cc.DisabledActions = c.DisabledActions
	cc.PrintingStatuses = c.Statuses.Printing
	cc.PausedStatuses = c.Statuses.Paused
	cc.ErrorStatuses = c.Statuses.Error
	return cc
}

// StatusClientConfig returns the settings for the HTTP status client.
func (c *Config) StatusClientConfig() printer.StatusClientConfig {
	return printer.StatusClientConfig{
		Host:         c.Printer.Host,
		Port:         c.Printer.HTTPPort,
		SerialNumber: c.Printer.SerialNumber,
		CheckCode:    c.Printer.CheckCode,
		Method:       c.Printer.StatusMethod,
		Timeout:      time.Duration(c.Printer.HTTPTimeout) * time.Second,
	}
}
