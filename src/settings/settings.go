package settings

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Arguments struct {
	// The file path to the datafiles (decision journal, metric store)
	DataDir string `yaml:"datadir"`
	LogDir  string `yaml:"logdir"`

	ConfigFile string `yaml:"-"`

	// The mode of operation
	// standalone (in-memory adapters), external (real backend connections)
	Mode string `yaml:"mode"`

	// the host name or IP address to listen on
	Host string `yaml:"host"`

	// the port number to listen on
	Port int `yaml:"port"`

	// Strongly verbose logging
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`

	// Maximum wall-clock time for a single query before the coordinator
	// cancels in-flight backend calls.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Connection settings for the external backend mode. Ignored when
	// Mode is standalone.
	ScalarDSN   string `yaml:"scalar_dsn"`   // MySQL DSN for the scalar engine
	DocumentURI string `yaml:"document_uri"` // MongoDB URI for the document engine
	MetricDir   string `yaml:"metric_dir"`   // badger directory for the metric engine

	Version string `yaml:"-"`
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process-wide settings instance.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{
			DataDir:      "./datafiles",
			LogDir:       "./log_files",
			Mode:         "standalone",
			Host:         "127.0.0.1",
			Port:         1778,
			QueryTimeout: 30 * time.Second,
		}
	})
	return instance
}

// LoadConfigFile overlays values from a YAML config file onto the
// current settings. Flags parsed after this call still win.
func (a *Arguments) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, a); err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	return nil
}
