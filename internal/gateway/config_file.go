package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

type fileConfig struct {
	Gateways []fileGateway `yaml:"gateways"`
}

type fileGateway struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Username string `yaml:"username"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`
	SenderID  string `yaml:"sender_id"`
	Sandbox   bool   `yaml:"sandbox"`
	Default   bool   `yaml:"default"`
	Active    *bool  `yaml:"active"`
}

// LoadConfigurations reads gateway definitions from a YAML file. Keys are
// resolved from the environment; the file itself never holds secrets.
func LoadConfigurations(path string) ([]model.GatewayConfiguration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}
	return ParseConfigurations(raw, os.Getenv)
}

func ParseConfigurations(raw []byte, getenv func(string) string) ([]model.GatewayConfiguration, error) {
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}

	defaults := 0
	out := make([]model.GatewayConfiguration, 0, len(file.Gateways))
	for i, g := range file.Gateways {
		typ := model.GatewayType(g.Type)
		if g.Type == "" {
			typ = model.GatewayAfricasTalking
		}
		if !typ.Valid() {
			return nil, fmt.Errorf("gateway %d (%s): unsupported type %q", i, g.Name, g.Type)
		}
		if g.Name == "" {
			return nil, fmt.Errorf("gateway %d: name is required", i)
		}
		var key string
		if g.APIKeyEnv != "" {
			key = getenv(g.APIKeyEnv)
		}
		if typ == model.GatewayAfricasTalking && key == "" {
			return nil, fmt.Errorf("gateway %s: environment variable %q is empty", g.Name, g.APIKeyEnv)
		}
		active := true
		if g.Active != nil {
			active = *g.Active
		}
		if g.Default {
			defaults++
		}
		out = append(out, model.GatewayConfiguration{
			Name:      g.Name,
			Type:      typ,
			Username:  g.Username,
			APIKey:    key,
			SenderID:  g.SenderID,
			Sandbox:   g.Sandbox,
			Active:    active,
			IsDefault: g.Default,
		})
	}
	if defaults > 1 {
		return nil, fmt.Errorf("gateway config: %d gateways marked default, at most one allowed", defaults)
	}
	return out, nil
}
