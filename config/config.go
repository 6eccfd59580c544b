// Package config defines the configuration options for the spindle engine.
//
// See LoadConfig for details regarding the configuration loading and
// parsing process.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/spindlegame/spindle/game"
)

const (
	defaultConfigFilename = "spindle.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spindle.log"
)

//nolint:lll
type Config struct {
	SpindleDir string `long:"spindledir" description:"The base directory that contains spindle's data, logs and configuration file"`
	ConfigFile string `short:"c" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir"    description:"The directory to store spindle's data within"`
	LogDir     string `long:"logdir"   description:"Directory to log output"`
	DebugLog   bool   `long:"debuglog" description:"Enable debug logs"`
	JSONLog    bool   `long:"jsonlog"  description:"Whether to log in JSON format"`

	Game *game.Config `group:"Game"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	spindleDir := defaultSpindleDir()
	gameCfg := game.DefaultConfig()
	return &Config{
		SpindleDir: spindleDir,
		ConfigFile: filepath.Join(spindleDir, defaultConfigFilename),
		DataDir:    filepath.Join(spindleDir, defaultDataDirname),
		LogDir:     filepath.Join(spindleDir, defaultLogDirname),
		Game:       &gameCfg,
	}
}

// ParseFlags reads values from command line arguments into preCfg.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile loads additional configuration options from the config
// file, if one exists. A missing file is not an error.
func ReadConfigFile(preCfg *Config) (*Config, error) {
	preCfg.SpindleDir = cleanAndExpandPath(preCfg.SpindleDir)
	preCfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.SpindleDir != defaultSpindleDir() {
		if filepath.Base(preCfg.ConfigFile) == defaultConfigFilename {
			preCfg.ConfigFile = filepath.Join(preCfg.SpindleDir, defaultConfigFilename)
		}
	}

	if err := flags.IniParse(preCfg.ConfigFile, preCfg); err != nil {
		var iniError *flags.IniError
		if errors.As(err, &iniError) {
			return nil, err
		}
		// The file probably doesn't exist, which is OK.
	}
	return preCfg, nil
}

// SetupConfig resolves derived paths and creates the base directory.
func SetupConfig(cfg *Config) (*Config, error) {
	if cfg.SpindleDir != defaultSpindleDir() {
		cfg.DataDir = filepath.Join(cfg.SpindleDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.SpindleDir, defaultLogDirname)
	}
	if err := os.MkdirAll(cfg.SpindleDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spindle directory: %w", err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	return cfg, nil
}

// LogFile returns the log file path, or empty when file logging is off.
func (cfg *Config) LogFile() string {
	if cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

func defaultSpindleDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".spindle")
	}
	return ".spindle"
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
