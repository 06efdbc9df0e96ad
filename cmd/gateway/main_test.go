package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfig = `
throttle:
  store: memory
  default:
    limit: 50
    window: 1m
  policies:
    - scope: forgot-password
      limit: 3
      window: 1h
      delay:
        base: 30s
        increment: 30s
`

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", path))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		invalidateScope = ""
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestPoliciesCommand(t *testing.T) {
	out, err := runCommand(t, "policies")
	require.NoError(t, err)

	var table struct {
		Store    string `yaml:"store"`
		Policies []struct {
			Scope  string `yaml:"scope"`
			Limit  int64  `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"policies"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &table))

	assert.Equal(t, "memory", table.Store)
	require.Len(t, table.Policies, 2)
	assert.Equal(t, "default", table.Policies[0].Scope)
	assert.Equal(t, int64(50), table.Policies[0].Limit)
	assert.Equal(t, "forgot-password", table.Policies[1].Scope)
	assert.Equal(t, "1h0m0s", table.Policies[1].Window)
}

func TestInvalidateCommand(t *testing.T) {
	out, err := runCommand(t, "invalidate", "--scope", "forgot-password")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 keys from scope forgot-password")
}

func TestInvalidateRequiresScope(t *testing.T) {
	_, err := runCommand(t, "invalidate")
	assert.Error(t, err)
}
