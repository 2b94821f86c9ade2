package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

// Cluster store backends.
const (
	ClusterBackendMemory = "memory"
	ClusterBackendSQLite = "sqlite"
)

// UnitConfig is the static configuration of one unit process.
type UnitConfig struct {
	Unit UnitIdentity `yaml:"unit"`

	// HwConfigFile is the hardware capability document reloaded periodically.
	HwConfigFile string `yaml:"hwConfigFile" validate:"required"`

	// PolicyFile is the cluster policy document.
	PolicyFile string `yaml:"policyFile" validate:"required"`

	// StateFileFormat is the local state path template; %s is the key.
	StateFileFormat string `yaml:"stateFileFormat" validate:"omitempty,contains=%s"`

	Cluster   ClusterConfig     `yaml:"cluster"`
	HTTP      HTTPConfig        `yaml:"http"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// UnitIdentity names the unit. ID keys the unit's local bus address.
type UnitIdentity struct {
	ID           string `yaml:"id" validate:"required"`
	Name         string `yaml:"name"`
	SerialNumber string `yaml:"serialNumber"`
	SystemType   string `yaml:"systemType" validate:"required"`
}

// ClusterConfig selects and configures the cluster key/value store.
type ClusterConfig struct {
	Backend      string `yaml:"backend" validate:"required,oneof=memory sqlite"`
	DatabasePath string `yaml:"databasePath" validate:"required_if=Backend sqlite"`
	Secret       string `yaml:"secret"`
	SecretFile   string `yaml:"secretFile"`

	// MapName is the shared map holding the global operation mode.
	MapName string `yaml:"mapName" validate:"required"`
}

// HTTPConfig configures the HTTP binding.
type HTTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress" validate:"required_if=Enabled true"`
}

// DefaultUnitConfig returns a configuration with every optional field set.
func DefaultUnitConfig() *UnitConfig {
	return &UnitConfig{
		Cluster: ClusterConfig{
			Backend: ClusterBackendMemory,
			MapName: "apis.main.state",
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:8472",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadUnitConfig reads, defaults and validates a YAML unit configuration.
func LoadUnitConfig(path string) (*UnitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unit config: %w", err)
	}
	return ParseUnitConfig(data)
}

// ParseUnitConfig parses, defaults and validates a YAML unit configuration.
func ParseUnitConfig(data []byte) (*UnitConfig, error) {
	cfg := DefaultUnitConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse unit config: %w", err)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags, the sqlite secret requirement and the
// telemetry section.
func (c *UnitConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid unit config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid unit config: %w", err)
	}

	if c.Cluster.Backend == ClusterBackendSQLite && c.Cluster.Secret == "" && c.Cluster.SecretFile == "" {
		return fmt.Errorf("invalid unit config: cluster.secret or cluster.secretFile is required for the sqlite backend")
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}

// ClusterSecret returns the configured cluster secret, reading SecretFile
// when Secret is empty.
func (c *UnitConfig) ClusterSecret() ([]byte, error) {
	if c.Cluster.Secret != "" {
		return []byte(c.Cluster.Secret), nil
	}
	if c.Cluster.SecretFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Cluster.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("cluster secret file %s is empty", c.Cluster.SecretFile)
	}
	return []byte(secret), nil
}
