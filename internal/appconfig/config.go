package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the process configuration, read from an optional config.json in
// the working directory.
type Config struct {
	Port       int    `mapstructure:"port" json:"port" yaml:"port"`
	VitePort   int    `mapstructure:"vitePort" json:"vitePort" yaml:"vitePort"`
	LogDir     string `mapstructure:"logDir" json:"logDir,omitempty" yaml:"logDir,omitempty"`
	LogEnabled bool   `mapstructure:"logEnabled" json:"logEnabled" yaml:"logEnabled"`
}

// DefaultConfigFile is resolved against the process working directory.
const DefaultConfigFile = "config.json"

// ConsoleDirName is the per-user directory holding worktrees and logs.
const ConsoleDirName = ".aiagent-console"

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() Config {
	return Config{
		Port:       3001,
		VitePort:   5173,
		LogDir:     filepath.Join(homeDir(), ConsoleDirName, "logs"),
		LogEnabled: false,
	}
}

// WorktreeBaseDir returns the directory under which agent worktrees live.
func WorktreeBaseDir() string {
	return filepath.Join(homeDir(), ConsoleDirName, "worktrees")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
