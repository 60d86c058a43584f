package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDeploymentsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDeployments(t *testing.T) {
	path := writeDeploymentsFile(t, `
model_groups:
  - name: gpt-4
    deployments:
      - id: openai-gpt4
        provider: openai
        model: gpt-4-0613
        credential: OPENAI_API_KEY
        weight: 3
      - id: azure-gpt4
        provider: azure
        model: gpt-4
        credential: AZURE_API_KEY
        base_url: https://example.openai.azure.com
  - name: claude
    deployments:
      - id: anthropic-claude
        provider: anthropic
        credential: ANTHROPIC_API_KEY
`)

	groups, err := LoadDeployments(path)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	gpt4 := groups["gpt-4"]
	require.Len(t, gpt4, 2)
	assert.Equal(t, "openai-gpt4", gpt4[0].ID)
	assert.Equal(t, "gpt-4", gpt4[0].Group)
	assert.Equal(t, "gpt-4-0613", gpt4[0].UpstreamModel)
	assert.Equal(t, "OPENAI_API_KEY", gpt4[0].CredentialRef)
	assert.Equal(t, 3, gpt4[0].Weight)
	assert.Equal(t, "https://example.openai.azure.com", gpt4[1].BaseURL)

	// Upstream model defaults to the group name when omitted.
	claude := groups["claude"]
	require.Len(t, claude, 1)
	assert.Equal(t, "claude", claude[0].UpstreamModel)
}

func TestLoadDeploymentsRejectsDuplicateIDs(t *testing.T) {
	path := writeDeploymentsFile(t, `
model_groups:
  - name: gpt-4
    deployments:
      - id: dup
        provider: openai
      - id: dup
        provider: azure
`)

	_, err := LoadDeployments(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate deployment id")
}

func TestLoadDeploymentsRejectsEmptyGroup(t *testing.T) {
	path := writeDeploymentsFile(t, `
model_groups:
  - name: gpt-4
    deployments: []
`)

	_, err := LoadDeployments(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no deployments")
}

func TestLoadDeploymentsRejectsMissingProvider(t *testing.T) {
	path := writeDeploymentsFile(t, `
model_groups:
  - name: gpt-4
    deployments:
      - id: d1
`)

	_, err := LoadDeployments(path)
	require.Error(t, err)
}

func TestLoadDeploymentsMissingFile(t *testing.T) {
	_, err := LoadDeployments(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
