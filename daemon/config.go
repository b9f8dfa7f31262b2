// Package daemon hosts the gateway process: the admin HTTP API, the
// JSON-RPC endpoint, and declarative startup registration of spokes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fin-hub/hubgate/hub"
)

const (
	projectConfigName = "hubgate.yaml"
	homeConfigName    = "config.yaml"
)

// ConfigFile is the declarative startup config shape for spoke registrations.
type ConfigFile struct {
	Spokes []SpokeDeclaration `yaml:"spokes"`
}

// SpokeDeclaration defines one spoke in hubgate.yaml. String fields support
// ${VAR} environment expansion.
type SpokeDeclaration struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name,omitempty"`
	Address     string            `yaml:"address"`
	Weight      int               `yaml:"weight,omitempty"`
	HealthCheck string            `yaml:"health_check,omitempty"`
	TTLSeconds  int               `yaml:"ttl_seconds,omitempty"`
	Tools       []ToolDeclaration `yaml:"tools,omitempty"`
}

// ToolDeclaration defines one tool under a spoke declaration.
type ToolDeclaration struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name,omitempty"`
	Description    string         `yaml:"description,omitempty"`
	InputSchema    map[string]any `yaml:"input_schema,omitempty"`
	OutputSchema   map[string]any `yaml:"output_schema,omitempty"`
	TimeoutSeconds int            `yaml:"timeout_seconds,omitempty"`
	RetryAttempts  int            `yaml:"retry_attempts,omitempty"`
}

// DiscoverConfigPath resolves the config location with first-match
// semantics: explicit path, then ./hubgate.yaml, then ~/.hubgate/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".hubgate", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and parses a declaration file.
func LoadConfig(path string) (ConfigFile, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigFile{}, fmt.Errorf("reading spoke config %q: %w", path, err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ConfigFile{}, fmt.Errorf("parsing spoke config %q: %w", path, err)
	}
	return cfg, nil
}

// RegisterSpokesFromConfig loads a declaration file and registers every
// spoke it names. Registration stops at the first invalid declaration so a
// typo is caught at startup rather than silently skipped.
func RegisterSpokesFromConfig(ctx context.Context, catalog *hub.Catalog, configPath string) ([]hub.SpokeInstance, error) {
	if catalog == nil {
		return nil, errors.New("daemon: catalog is nil")
	}
	clean := strings.TrimSpace(configPath)
	if clean == "" {
		return nil, nil
	}

	cfg, err := LoadConfig(clean)
	if err != nil {
		return nil, err
	}
	if len(cfg.Spokes) == 0 {
		return nil, nil
	}

	registered := make([]hub.SpokeInstance, 0, len(cfg.Spokes))
	for _, decl := range cfg.Spokes {
		inst, err := catalog.Register(ctx, declarationToRegistration(decl))
		if err != nil {
			return nil, fmt.Errorf("spoke %q: %w", decl.ID, err)
		}
		registered = append(registered, inst)
	}
	return registered, nil
}

func declarationToRegistration(decl SpokeDeclaration) hub.Registration {
	reg := hub.Registration{
		ID:          strings.TrimSpace(expandEnvValue(decl.ID)),
		Name:        strings.TrimSpace(expandEnvValue(decl.Name)),
		Address:     strings.TrimSpace(expandEnvValue(decl.Address)),
		Weight:      decl.Weight,
		HealthCheck: strings.TrimSpace(expandEnvValue(decl.HealthCheck)),
		TTLSeconds:  decl.TTLSeconds,
	}
	for _, tool := range decl.Tools {
		reg.Tools = append(reg.Tools, hub.ToolDecl{
			ID:             strings.TrimSpace(expandEnvValue(tool.ID)),
			Name:           strings.TrimSpace(expandEnvValue(tool.Name)),
			Description:    tool.Description,
			InputSchema:    tool.InputSchema,
			OutputSchema:   tool.OutputSchema,
			TimeoutSeconds: tool.TimeoutSeconds,
			RetryAttempts:  tool.RetryAttempts,
		})
	}
	return reg
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}
