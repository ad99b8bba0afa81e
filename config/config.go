package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the config file or directory when --config is not given.
const EnvPath = "FIGHTLINK_CONFIG"

// DefaultPath is used when neither --config nor FIGHTLINK_CONFIG is set.
const DefaultPath = "data/config"

// Config represents the complete client configuration
type Config struct {
	Console  ConsoleConfig  `yaml:"console"`
	Mapping  MappingConfig  `yaml:"mapping"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Capture  CaptureConfig  `yaml:"capture"`
	Emulator EmulatorConfig `yaml:"emulator"`

	// LoadedFrom is the file or directory the configuration came from.
	LoadedFrom string `yaml:"-"`
}

// ConsoleConfig names the console to connect to.
type ConsoleConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	// StatsIntervalSeconds controls the periodic summary line; 0 disables it.
	StatsIntervalSeconds int `yaml:"stats_interval_seconds"`
}

// MappingConfig locates the on-disk mapping cache.
type MappingConfig struct {
	CachePath string `yaml:"cache_path"`
}

// SessionConfig tunes the session controller and the event queue.
type SessionConfig struct {
	TrainingResetDebounceMS int `yaml:"training_reset_debounce_ms"`
	EventQueue              int `yaml:"event_queue"`
	RecentFrames            int `yaml:"recent_frames"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig controls the HTTP status surface.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig controls lifecycle publishing.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FrameEvery  int    `yaml:"frame_every"`
}

// CaptureConfig controls recording of the raw message stream.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EmulatorConfig controls the console emulator command.
type EmulatorConfig struct {
	Listen       string  `yaml:"listen"`
	VersionMajor uint8   `yaml:"version_major"`
	VersionMinor uint8   `yaml:"version_minor"`
	Speed        float64 `yaml:"speed"`
	Loop         bool    `yaml:"loop"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Console.Port == 0 {
		c.Console.Port = 42069
	}
	if c.Console.DialTimeoutSeconds == 0 {
		c.Console.DialTimeoutSeconds = 5
	}
	if c.Mapping.CachePath == "" {
		c.Mapping.CachePath = "data/mappingInfo.json"
	}
	if c.Session.TrainingResetDebounceMS == 0 {
		c.Session.TrainingResetDebounceMS = 1000
	}
	if c.Session.EventQueue == 0 {
		c.Session.EventQueue = 1024
	}
	if c.Session.RecentFrames == 0 {
		c.Session.RecentFrames = 600
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 7
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9469"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "fightlink"
	}
	if c.Capture.Path == "" {
		c.Capture.Path = "data/captures.db"
	}
	if c.Emulator.Listen == "" {
		c.Emulator.Listen = fmt.Sprintf("0.0.0.0:%d", c.Console.Port)
	}
	if c.Emulator.Speed == 0 {
		c.Emulator.Speed = 1
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Console.Port <= 0 || c.Console.Port > 65535 {
		errs = append(errs, fmt.Errorf("console.port %d out of range", c.Console.Port))
	}
	if c.Console.DialTimeoutSeconds < 0 {
		errs = append(errs, errors.New("console.dial_timeout_seconds must not be negative"))
	}
	if c.Console.StatsIntervalSeconds < 0 {
		errs = append(errs, errors.New("console.stats_interval_seconds must not be negative"))
	}
	if c.Session.TrainingResetDebounceMS < 0 {
		errs = append(errs, errors.New("session.training_reset_debounce_ms must not be negative"))
	}
	if c.Session.EventQueue < 0 || c.Session.RecentFrames < 0 {
		errs = append(errs, errors.New("session sizes must not be negative"))
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.FrameEvery < 0 {
		errs = append(errs, errors.New("mqtt.frame_every must not be negative"))
	}
	if c.Emulator.Speed < 0 {
		errs = append(errs, errors.New("emulator.speed must not be negative"))
	}
	return errors.Join(errs...)
}

// DialTimeout returns the console dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Console.DialTimeoutSeconds) * time.Second
}

// ResetDebounce returns the TrainingEnd debounce window.
func (c *Config) ResetDebounce() time.Duration {
	return time.Duration(c.Session.TrainingResetDebounceMS) * time.Millisecond
}

// StatsInterval returns the summary period; zero disables it.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.Console.StatsIntervalSeconds) * time.Second
}

// ResolvePath picks the config location: explicit flag, then FIGHTLINK_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load loads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in name order. Later files override keys set by
// earlier ones. Defaults are applied and the result validated.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files in config directory %s", path)
		}
	}

	var cfg Config
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Decoding into the same struct merges: absent keys keep earlier values.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(f), err)
		}
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Print displays the configuration
func (c *Config) Print() {
	if c.LoadedFrom != "" {
		fmt.Printf("Config: %s\n", c.LoadedFrom)
	}
	console := "(none; use --host)"
	if c.Console.Host != "" {
		console = fmt.Sprintf("%s:%d", c.Console.Host, c.Console.Port)
	}
	fmt.Printf("Console: %s (dial timeout %ds)\n", console, c.Console.DialTimeoutSeconds)
	fmt.Printf("Mapping cache: %s\n", c.Mapping.CachePath)
	fmt.Printf("Session: training reset debounce %dms, event queue %d, recent frames %d\n",
		c.Session.TrainingResetDebounceMS, c.Session.EventQueue, c.Session.RecentFrames)
	if c.Logging.Enabled {
		fmt.Printf("Logging: %s (retain %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if c.Metrics.Enabled {
		fmt.Printf("Metrics: http://%s/metrics\n", c.Metrics.Listen)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (prefix: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.TopicPrefix)
	}
	if c.Capture.Enabled {
		fmt.Printf("Capture: %s\n", c.Capture.Path)
	}
}
