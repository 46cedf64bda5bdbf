package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	path := writeConfig(t, "model:\n  model: gpt-4o-mini\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabasePath != "loom.db" {
		t.Errorf("database path = %q", cfg.DatabasePath)
	}
	if cfg.ToolTimeout != 30*time.Second || cfg.PlanningTimeout != 60*time.Second {
		t.Errorf("timeouts = %v, %v", cfg.ToolTimeout, cfg.PlanningTimeout)
	}
	if cfg.Model.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Model.Model)
	}
}

func TestLoadFile_ServersValidated(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name: "valid pipe server",
			yaml: "mcp_servers:\n  - id: docs\n    name: Docs\n    transport: pipe\n    command: mcp-docs\n",
		},
		{
			name: "valid sse server",
			yaml: "mcp_servers:\n  - id: web\n    transport: sse\n    url: http://localhost:9000/sse\n",
		},
		{
			name:    "pipe without command",
			yaml:    "mcp_servers:\n  - id: bad\n    transport: pipe\n",
			wantErr: true,
		},
		{
			name:    "sse without url",
			yaml:    "mcp_servers:\n  - id: bad\n    transport: sse\n",
			wantErr: true,
		},
		{
			name:    "unknown transport",
			yaml:    "mcp_servers:\n  - id: bad\n    transport: smoke-signal\n",
			wantErr: true,
		},
		{
			name:    "missing id",
			yaml:    "mcp_servers:\n  - transport: pipe\n    command: x\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile_APIKeyFromEnv(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "secret")
	path := writeConfig(t, "model:\n  api_key_env: LOOM_TEST_KEY\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Model.APIKey)
	}
}
