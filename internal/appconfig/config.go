package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/imagine/internal/claude"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string            `mapstructure:"state_dir" yaml:"state_dir"`
	Agent         AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Protocol      ProtocolConfig    `mapstructure:"protocol" yaml:"protocol"`
	HTTP          HTTPConfig        `mapstructure:"http" yaml:"http"`
	Transcripts   TranscriptsConfig `mapstructure:"transcripts" yaml:"transcripts"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// DefaultAddr matches the port the browser UI expects.
const DefaultAddr = ":3001"

// AgentConfig configures the agent subprocess.
type AgentConfig struct {
	// Binary is left empty to resolve via CLAUDE_CLI_BIN or PATH.
	Binary           string            `mapstructure:"binary" yaml:"binary"`
	Args             []string          `mapstructure:"args" yaml:"args"`
	Env              map[string]string `mapstructure:"env" yaml:"env"`
	WorkingDir       string            `mapstructure:"working_dir" yaml:"working_dir"`
	TimeoutMS        int               `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	GracePeriodMS    int               `mapstructure:"grace_period_ms" yaml:"grace_period_ms"`
	SystemPromptFile string            `mapstructure:"system_prompt_file" yaml:"system_prompt_file"`
}

// Timeout returns the configured agent timeout.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GracePeriod returns the SIGTERM to SIGKILL grace period.
func (c AgentConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

// ProtocolConfig tunes command extraction.
type ProtocolConfig struct {
	ASCIIArrows    bool `mapstructure:"ascii_arrows" yaml:"ascii_arrows"`
	MaxBufferBytes int  `mapstructure:"max_buffer_bytes" yaml:"max_buffer_bytes"`
}

// HTTPConfig configures the relay server.
type HTTPConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	BasePath    string   `mapstructure:"base_path" yaml:"base_path"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	HubHistory  int      `mapstructure:"hub_history" yaml:"hub_history"`
	HubSessions int      `mapstructure:"hub_sessions" yaml:"hub_sessions"`
}

// TranscriptsConfig controls session transcripts.
type TranscriptsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".imagine", "state"),
		Agent: AgentConfig{
			Binary:           "",
			Args:             append([]string(nil), claude.DefaultArgs...),
			Env:              map[string]string{},
			WorkingDir:       "",
			TimeoutMS:        int(claude.DefaultTimeout / time.Millisecond),
			GracePeriodMS:    int(claude.DefaultGracePeriod / time.Millisecond),
			SystemPromptFile: "",
		},
		Protocol: ProtocolConfig{
			ASCIIArrows:    true,
			MaxBufferBytes: 1 << 20,
		},
		HTTP: HTTPConfig{
			Addr:        DefaultAddr,
			BasePath:    "",
			CORSOrigins: []string{"http://localhost:5173"},
			HubHistory:  1000,
			HubSessions: 32,
		},
		Transcripts: TranscriptsConfig{
			Enabled: true,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imagine", "config.yaml"), nil
}
