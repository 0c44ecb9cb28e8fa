package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigFile in the working directory. A missing file yields the
// defaults; the PORT environment variable overrides the port either way.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetDefault("port", cfg.Port)
	v.SetDefault("vitePort", cfg.VitePort)
	v.SetDefault("logDir", cfg.LogDir)
	v.SetDefault("logEnabled", cfg.LogEnabled)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	cfg.LogDir = os.ExpandEnv(cfg.LogDir)
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// WriteDefault writes the default config to the target path in the format
// implied by its extension (json unless .yaml/.yml).
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}
	cfg := DefaultConfig()
	var data []byte
	var err error
	if configType(path) == "yaml" {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = marshalJSONIndent(cfg)
	}
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func marshalJSONIndent(cfg Config) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
