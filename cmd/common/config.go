package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/imdario/mergo"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// Config is the YAML-backed configuration for aemfs. Durations are
// milliseconds, matching what the share layer consumes.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Path is the remote root, e.g. /api/assets for dam shares or
	// /content/dam for jcr shares.
	Path string `yaml:"path"`
	// Backend selects the remote variant: dam or jcr.
	Backend string `yaml:"backend"`
	// LocalPath is the local cache root.
	LocalPath string `yaml:"local.path"`

	ContentCacheTTL   int `yaml:"contentCacheTTL"`
	ModifiedThreshold int `yaml:"modifiedThreshold"`
	MaxRetries        int `yaml:"maxRetries"`
	CacheTTL          int `yaml:"cacheTTL"`

	LogLevel  string `yaml:"log"`
	LogOutput string `yaml:"logOutput"`
}

// DefaultConfigPath returns the default config location for aemfs.
func DefaultConfigPath() string {
	confDir, err := os.UserConfigDir()
	if err != nil {
		log.Error().Err(err).Msg("Could not determine configuration directory.")
	}
	return filepath.Join(confDir, "aemfs/config.yml")
}

// createDefaultConfig returns a Config struct with default values.
func createDefaultConfig() Config {
	cacheDir, _ := os.UserCacheDir()
	return Config{
		Host:              "localhost",
		Port:              4502,
		Path:              "/api/assets",
		Backend:           "dam",
		LocalPath:         filepath.Join(cacheDir, "aemfs"),
		ContentCacheTTL:   30000,
		ModifiedThreshold: 5000,
		MaxRetries:        5,
		CacheTTL:          300000,
		LogLevel:          "info",
		LogOutput:         "STDERR",
	}
}

// validateConfig fixes up invalid values, warning rather than failing.
func validateConfig(config *Config) {
	valid := false
	for _, level := range LogLevels() {
		if strings.ToLower(config.LogLevel) == level {
			valid = true
			break
		}
	}
	if !valid {
		log.Warn().
			Str("logLevel", config.LogLevel).
			Strs("validLevels", LogLevels()).
			Msg("Invalid log level, using default.")
		config.LogLevel = "info"
	}

	if config.Backend != "dam" && config.Backend != "jcr" {
		log.Warn().Str("backend", config.Backend).Msg("Unknown backend, using dam.")
		config.Backend = "dam"
	}
	if config.Port <= 0 || config.Port > 65535 {
		log.Warn().Int("port", config.Port).Msg("Port out of range, using default.")
		config.Port = 4502
	}
	if config.MaxRetries <= 0 {
		log.Warn().Int("maxRetries", config.MaxRetries).
			Msg("Retry budget must be positive, using default.")
		config.MaxRetries = 5
	}
	if config.ModifiedThreshold < 0 {
		log.Warn().Int("modifiedThreshold", config.ModifiedThreshold).
			Msg("Coalescing window must be non-negative, using default.")
		config.ModifiedThreshold = 5000
	}
	if config.LocalPath == "" {
		log.Warn().Msg("Local cache path cannot be empty, using default.")
		cacheDir, _ := os.UserCacheDir()
		config.LocalPath = filepath.Join(cacheDir, "aemfs")
	}
}

// LoadConfig is the primary way of loading the aemfs config.
func LoadConfig(path string) *Config {
	defaults := createDefaultConfig()

	conf, err := os.ReadFile(path)
	if err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Configuration file not found, using defaults.")
		return &defaults
	}

	config := &Config{}
	if err = yaml.Unmarshal(conf, config); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not parse configuration file, using defaults.")
		return &defaults
	}

	if err = mergo.Merge(config, defaults); err != nil {
		log.Error().
			Err(err).
			Str("path", path).
			Msg("Could not merge configuration file with defaults, using defaults only.")
		return &defaults
	}

	config.LocalPath = UnescapeHome(config.LocalPath)
	validateConfig(config)
	return config
}

// WriteConfig saves the config to a file.
func (c Config) WriteConfig(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err = os.WriteFile(path, out, 0600); err != nil {
		return err
	}
	log.Debug().Str("path", path).Msg("Configuration written to file.")
	return nil
}

// UnescapeHome expands a leading ~/ to the user's home directory.
func UnescapeHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
