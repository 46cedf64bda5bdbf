package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the runtime bootstrap configuration loaded at startup. Persistent
// entity config (agents, servers) lives in the KV store, not here.
type File struct {
	// DatabasePath locates the sqlite file backing both stores.
	// ":memory:" keeps everything ephemeral.
	DatabasePath string `yaml:"database_path"`

	Model ModelFileConfig `yaml:"model"`

	// MCPServers are bootstrap server definitions written into the config
	// store each time the runtime starts.
	MCPServers []MCPServerFileConfig `yaml:"mcp_servers"`

	// ToolTimeout bounds individual tool calls. Default 30s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// PlanningTimeout bounds plan generation. Default 60s.
	PlanningTimeout time.Duration `yaml:"planning_timeout"`
}

// ModelFileConfig configures the model client.
type ModelFileConfig struct {
	// BaseURL points at an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names an environment variable consulted when APIKey is empty.
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// MCPServerFileConfig is the YAML shape of a bootstrap server definition.
type MCPServerFileConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// LoadFile reads and validates the runtime config, applying defaults.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultFile returns the configuration used when no file is given.
func DefaultFile() *File {
	cfg := &File{}
	cfg.applyDefaults()
	return cfg
}

func (c *File) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "loom.db"
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.PlanningTimeout <= 0 {
		c.PlanningTimeout = 60 * time.Second
	}
	if c.Model.APIKey == "" && c.Model.APIKeyEnv != "" {
		c.Model.APIKey = os.Getenv(c.Model.APIKeyEnv)
	}
}

// Validate checks the loaded configuration.
func (c *File) Validate() error {
	for i, srv := range c.MCPServers {
		if srv.ID == "" {
			return fmt.Errorf("mcp_servers[%d]: id is required", i)
		}
		switch srv.Transport {
		case "pipe":
			if srv.Command == "" {
				return fmt.Errorf("mcp_servers[%d]: command is required for pipe transport", i)
			}
		case "sse", "http":
			if srv.URL == "" {
				return fmt.Errorf("mcp_servers[%d]: url is required for %s transport", i, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%d]: unknown transport %q", i, srv.Transport)
		}
	}
	return nil
}
