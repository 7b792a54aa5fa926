package settings

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Arguments holds the runtime configuration shared by every process.
type Arguments struct {
	// The IRC server to connect to
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// The channel the game is played on, without the leading '#'
	Channel string `yaml:"channel"`

	// Nickname used when registering with the server
	Nick string `yaml:"nick"`

	// Leading zero hex digits required of a winning hash
	Difficulty int `yaml:"difficulty"`

	// Number of mining worker goroutines (0 means GOMAXPROCS)
	Workers int `yaml:"workers"`

	// Path to the ledger database file; empty means in-memory
	StorePath string `yaml:"store_path"`

	// Cron expression for automatic transaction broadcasts; empty disables
	CronSpec string `yaml:"cron"`

	// Listen address for the Prometheus endpoint; empty disables
	MetricsAddr string `yaml:"metrics_addr"`

	// Secret required for privileged channel commands; empty disables them
	OperatorSecret string `yaml:"operator_secret"`

	// Seconds a miner must wait between solution submissions
	CooldownSeconds int `yaml:"cooldown_seconds"`

	ConfigFile string `yaml:"-"`
	Debug      bool   `yaml:"debug"`
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the global Arguments instance, creating it with
// defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Defaults()
	})
	return instance
}

// Defaults returns a fresh Arguments populated with the default values.
func Defaults() *Arguments {
	return &Arguments{
		Host:            "localhost",
		Port:            6667,
		Channel:         "pycon",
		Difficulty:      1,
		CooldownSeconds: 5,
	}
}

// LoadConfigFile overlays values from a YAML file onto args. Flags parsed
// after the overlay still win, so the file only supplies defaults.
func LoadConfigFile(args *Arguments, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, args); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// Validate checks the arguments for values no process can run with.
func (a *Arguments) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("invalid port %d", a.Port)
	}
	if a.Channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}
	if a.Difficulty < 1 || a.Difficulty > 64 {
		return fmt.Errorf("difficulty must be between 1 and 64, got %d", a.Difficulty)
	}
	if a.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if a.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	return nil
}
