package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the file is read.
const (
	EnvPort      = "PORT"
	EnvClaudeBin = "CLAUDE_CLI_BIN"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("agent.binary", cfg.Agent.Binary)
	v.SetDefault("agent.args", cfg.Agent.Args)
	v.SetDefault("agent.env", cfg.Agent.Env)
	v.SetDefault("agent.working_dir", cfg.Agent.WorkingDir)
	v.SetDefault("agent.timeout_ms", cfg.Agent.TimeoutMS)
	v.SetDefault("agent.grace_period_ms", cfg.Agent.GracePeriodMS)
	v.SetDefault("agent.system_prompt_file", cfg.Agent.SystemPromptFile)
	v.SetDefault("protocol.ascii_arrows", cfg.Protocol.ASCIIArrows)
	v.SetDefault("protocol.max_buffer_bytes", cfg.Protocol.MaxBufferBytes)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.cors_origins", cfg.HTTP.CORSOrigins)
	v.SetDefault("http.hub_history", cfg.HTTP.HubHistory)
	v.SetDefault("http.hub_sessions", cfg.HTTP.HubSessions)
	v.SetDefault("transcripts.enabled", cfg.Transcripts.Enabled)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv(EnvPort)); port != "" {
		cfg.HTTP.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = strings.TrimSpace(os.Getenv(EnvClaudeBin))
	}
}

func validate(cfg Config) error {
	if cfg.Agent.TimeoutMS < 0 {
		return fmt.Errorf("agent.timeout_ms must not be negative")
	}
	if cfg.Agent.GracePeriodMS < 0 {
		return fmt.Errorf("agent.grace_period_ms must not be negative")
	}
	if cfg.Protocol.MaxBufferBytes < 0 {
		return fmt.Errorf("protocol.max_buffer_bytes must not be negative")
	}
	if cfg.HTTP.HubHistory < 0 || cfg.HTTP.HubSessions < 0 {
		return fmt.Errorf("http.hub_history and http.hub_sessions must not be negative")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	for _, origin := range cfg.HTTP.CORSOrigins {
		if origin != "*" && !strings.Contains(origin, "://") {
			return fmt.Errorf("http.cors_origins entry %q must include a scheme", origin)
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Agent.Binary = expandEnv(cfg.Agent.Binary)
	cfg.Agent.WorkingDir = expandEnv(cfg.Agent.WorkingDir)
	cfg.Agent.SystemPromptFile = expandEnv(cfg.Agent.SystemPromptFile)
	for key, value := range cfg.Agent.Env {
		cfg.Agent.Env[key] = expandEnv(value)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
