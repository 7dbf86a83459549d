package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop_oldest"
)

type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Agents     AgentsConfig               `yaml:"agents"`
	Logs       LogsConfig                 `yaml:"logs"`
	Topics     TopicsConfig               `yaml:"topics"`
	Poller     PollerConfig               `yaml:"poller"`
	Docker     DockerConfig               `yaml:"docker"`
	Notify     NotifyConfig               `yaml:"notify"`
	Logging    LoggingConfig              `yaml:"logging"`
	Containers map[string]ContainerConfig `yaml:"containers"`
}

type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	StaticDir string `yaml:"static_dir"`
}

type AgentsConfig struct {
	RequestTimeout Duration `yaml:"request_timeout"`
	LogTimeout     Duration `yaml:"log_timeout"`
}

type LogsConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	HistoryLines        int      `yaml:"history_lines"`
	SubscriberBuffer    int      `yaml:"subscriber_buffer"`
	OverflowPolicy      string   `yaml:"overflow_policy"`
	StatusCheckInterval Duration `yaml:"status_check_interval"`
	SourceRetries       int      `yaml:"source_retries"`
}

type TopicsConfig struct {
	StalenessWindow Duration `yaml:"staleness_window"`
	MaxRateHz       float64  `yaml:"max_rate_hz"`
	ExposeStale     bool     `yaml:"expose_stale"`
}

type PollerConfig struct {
	Interval Duration `yaml:"interval"`
}

type DockerConfig struct {
	Enabled     *bool    `yaml:"enabled"`
	Host        string   `yaml:"host"`
	StopTimeout Duration `yaml:"stop_timeout"`
	CallTimeout Duration `yaml:"call_timeout"`
	LogTail     int      `yaml:"log_tail"`
}

// On reports whether the engine adapter is enabled; unset means enabled.
func (d DockerConfig) On() bool {
	return d.Enabled == nil || *d.Enabled
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ContainerConfig struct {
	SocketPath  string         `yaml:"socket_path"`
	Description string         `yaml:"description"`
	Services    []ServiceLabel `yaml:"services"`
	ROS2        *ROS2Config    `yaml:"ros2"`
}

type ServiceLabel struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

type ROS2Config struct {
	BridgeURL    string            `yaml:"bridge_url"`
	DomainID     int               `yaml:"domain_id"`
	Topics       map[string]string `yaml:"topics"`
	StaticTopics map[string]string `yaml:"static_topics"`
}

// Labels returns the configured id to label mapping.
func (c ContainerConfig) Labels() map[string]string {
	out := make(map[string]string, len(c.Services))
	for _, svc := range c.Services {
		if svc.Label != "" {
			out[svc.ID] = svc.Label
		}
	}
	return out
}

// Duration is a time.Duration read from strings such as "5s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads the YAML file at path, expands ${VAR} references, applies
// defaults and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default}.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8081"
	}
	setDuration(&c.Agents.RequestTimeout, 5*time.Second)
	setDuration(&c.Agents.LogTimeout, 10*time.Second)
	setDuration(&c.Logs.PollInterval, 500*time.Millisecond)
	setDuration(&c.Logs.StatusCheckInterval, time.Second)
	if c.Logs.HistoryLines <= 0 {
		c.Logs.HistoryLines = 100
	}
	if c.Logs.SubscriberBuffer <= 0 {
		c.Logs.SubscriberBuffer = 64
	}
	if c.Logs.OverflowPolicy == "" {
		c.Logs.OverflowPolicy = OverflowDisconnect
	}
	if c.Logs.SourceRetries < 0 {
		c.Logs.SourceRetries = 0
	} else if c.Logs.SourceRetries == 0 {
		c.Logs.SourceRetries = 2
	}
	setDuration(&c.Topics.StalenessWindow, 3*time.Second)
	if c.Topics.MaxRateHz <= 0 {
		c.Topics.MaxRateHz = 10
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = Duration(10 * time.Second)
	}
	if c.Docker.Host == "" {
		c.Docker.Host = "unix:///var/run/docker.sock"
	}
	setDuration(&c.Docker.StopTimeout, 10*time.Second)
	setDuration(&c.Docker.CallTimeout, 10*time.Second)
	if c.Docker.LogTail <= 0 {
		c.Docker.LogTail = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("S6GATE_HTTP_ADDR", c.Server.HTTPAddr)
	c.Docker.Host = getEnv("S6GATE_DOCKER_HOST", c.Docker.Host)
	c.Logging.Level = getEnv("S6GATE_LOG_LEVEL", c.Logging.Level)
	c.Notify.Telegram.Token = getEnv("S6GATE_TG_TOKEN", c.Notify.Telegram.Token)
	c.Notify.Telegram.ChatID = getEnv("S6GATE_TG_CHAT_ID", c.Notify.Telegram.ChatID)

	if os.Getenv("ROS_DOMAIN_ID") == "" {
		return
	}
	for name, ctr := range c.Containers {
		if ctr.ROS2 == nil {
			continue
		}
		ctr.ROS2.DomainID = getEnvInt("ROS_DOMAIN_ID", ctr.ROS2.DomainID)
		c.Containers[name] = ctr
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Containers) == 0 {
		errs = append(errs, errors.New("at least one container is required"))
	}
	for _, name := range c.ContainerNames() {
		ctr := c.Containers[name]
		if ctr.SocketPath == "" {
			errs = append(errs, fmt.Errorf("containers.%s.socket_path is required", name))
		}
		seen := make(map[string]bool, len(ctr.Services))
		for _, svc := range ctr.Services {
			if svc.ID == "" {
				errs = append(errs, fmt.Errorf("containers.%s.services: id is required", name))
				continue
			}
			if seen[svc.ID] {
				errs = append(errs, fmt.Errorf("containers.%s.services: duplicate id %q", name, svc.ID))
			}
			seen[svc.ID] = true
		}
		if ctr.ROS2 != nil && ctr.ROS2.BridgeURL == "" {
			errs = append(errs, fmt.Errorf("containers.%s.ros2.bridge_url is required", name))
		}
	}
	switch c.Logs.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		errs = append(errs, fmt.Errorf("logs.overflow_policy must be %q or %q, got %q", OverflowDisconnect, OverflowDropOldest, c.Logs.OverflowPolicy))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ContainerNames returns the configured container names in sorted order.
func (c *Config) ContainerNames() []string {
	names := make([]string, 0, len(c.Containers))
	for name := range c.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves the config file location from the flag value or S6GATE_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv("S6GATE_CONFIG", "/etc/s6gate/config.yaml")
}

func getEnv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return i
}
