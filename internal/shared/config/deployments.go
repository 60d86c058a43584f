package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// DeploymentsFile is the on-disk shape of the model-group configuration.
type DeploymentsFile struct {
	ModelGroups []ModelGroupConfig `yaml:"model_groups"`
}

// ModelGroupConfig maps one logical model name to its deployments.
type ModelGroupConfig struct {
	Name        string             `yaml:"name"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// DeploymentConfig is one concrete upstream binding.
type DeploymentConfig struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Credential string `yaml:"credential"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Weight     int    `yaml:"weight,omitempty"`
}

// LoadDeployments parses the YAML deployments file into registry records.
// Group order in the file is preserved; it is the fallback order when
// weights are absent.
func LoadDeployments(path string) (map[string][]models.Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployments file: %w", err)
	}

	var file DeploymentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse deployments file: %w", err)
	}

	groups := make(map[string][]models.Deployment, len(file.ModelGroups))
	seen := make(map[string]bool)
	for _, g := range file.ModelGroups {
		if g.Name == "" {
			return nil, fmt.Errorf("model group with empty name")
		}
		if len(g.Deployments) == 0 {
			return nil, fmt.Errorf("model group %q has no deployments", g.Name)
		}
		for _, d := range g.Deployments {
			if d.ID == "" || d.Provider == "" {
				return nil, fmt.Errorf("model group %q: deployment needs id and provider", g.Name)
			}
			if seen[d.ID] {
				return nil, fmt.Errorf("duplicate deployment id %q", d.ID)
			}
			seen[d.ID] = true
			upstream := d.Model
			if upstream == "" {
				upstream = g.Name
			}
			groups[g.Name] = append(groups[g.Name], models.Deployment{
				ID:            d.ID,
				Group:         g.Name,
				Provider:      d.Provider,
				UpstreamModel: upstream,
				CredentialRef: d.Credential,
				BaseURL:       d.BaseURL,
				Weight:        d.Weight,
			})
		}
	}
	return groups, nil
}
