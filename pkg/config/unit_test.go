package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalUnitYAML = `
unit:
  id: E001
  name: unit-1
  serialNumber: "0001"
  systemType: dcdc_emulator
hwConfigFile: /etc/apis/hwConfig.json
policyFile: /etc/apis/policy.json
`

func TestParseUnitConfigAppliesDefaults(t *testing.T) {
	cfg, err := ParseUnitConfig([]byte(minimalUnitYAML))
	if err != nil {
		t.Fatalf("ParseUnitConfig: %v", err)
	}

	if cfg.Unit.ID != "E001" || cfg.Unit.SystemType != "dcdc_emulator" {
		t.Errorf("unexpected identity %+v", cfg.Unit)
	}
	if cfg.Cluster.Backend != ClusterBackendMemory {
		t.Errorf("default backend = %q", cfg.Cluster.Backend)
	}
	if cfg.Cluster.MapName != "apis.main.state" {
		t.Errorf("default map name = %q", cfg.Cluster.MapName)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.ListenAddress == "" {
		t.Errorf("HTTP defaults not applied: %+v", cfg.HTTP)
	}
	if cfg.Telemetry == nil || cfg.Telemetry.ServiceName != "apis-main" {
		t.Errorf("telemetry defaults not applied: %+v", cfg.Telemetry)
	}
}

func TestParseUnitConfigOverridesTelemetry(t *testing.T) {
	cfg, err := ParseUnitConfig([]byte(minimalUnitYAML + `
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("ParseUnitConfig: %v", err)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("unset fields should keep defaults, format = %q", cfg.Telemetry.Logging.Format)
	}
}

func TestParseUnitConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing unit id",
			yaml:    "unit: {systemType: x}\nhwConfigFile: a\npolicyFile: b\n",
			wantErr: "UnitConfig.Unit.ID",
		},
		{
			name:    "missing hwconfig",
			yaml:    "unit: {id: E001, systemType: x}\npolicyFile: b\n",
			wantErr: "HwConfigFile",
		},
		{
			name:    "bad backend",
			yaml:    minimalUnitYAML + "cluster: {backend: etcd}\n",
			wantErr: "Backend",
		},
		{
			name:    "sqlite without path",
			yaml:    minimalUnitYAML + "cluster: {backend: sqlite, secret: s}\n",
			wantErr: "DatabasePath",
		},
		{
			name:    "sqlite without secret",
			yaml:    minimalUnitYAML + "cluster: {backend: sqlite, databasePath: /tmp/c.db}\n",
			wantErr: "secret",
		},
		{
			name:    "state format without placeholder",
			yaml:    minimalUnitYAML + "stateFileFormat: /var/lib/apis/state\n",
			wantErr: "StateFileFormat",
		},
		{
			name:    "bad telemetry",
			yaml:    minimalUnitYAML + "telemetry: {logging: {level: loud}}\n",
			wantErr: "telemetry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUnitConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadUnitConfigMissingFile(t *testing.T) {
	if _, err := LoadUnitConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestClusterSecret(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretFile, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg := DefaultUnitConfig()
	cfg.Cluster.Secret = "inline"
	cfg.Cluster.SecretFile = secretFile
	if secret, _ := cfg.ClusterSecret(); string(secret) != "inline" {
		t.Errorf("inline secret should win, got %q", secret)
	}

	cfg.Cluster.Secret = ""
	secret, err := cfg.ClusterSecret()
	if err != nil || string(secret) != "from-file" {
		t.Errorf("ClusterSecret = %q, %v", secret, err)
	}

	empty := filepath.Join(dir, "empty")
	_ = os.WriteFile(empty, []byte("\n"), 0o600)
	cfg.Cluster.SecretFile = empty
	if _, err := cfg.ClusterSecret(); err == nil {
		t.Error("empty secret file should be an error")
	}
}
