package config

import (
	"fmt"
	"os"
)

// ResolveSecret returns explicit when non-empty, otherwise the value of
// the named environment variable. API keys and tokens should reach the
// process through the environment rather than the config file; the
// explicit value exists for development setups.
func ResolveSecret(explicit, envVar string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if envVar == "" {
		return "", fmt.Errorf("no secret value and no environment variable configured")
	}
	val := os.Getenv(envVar)
	if val == "" {
		return "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	return val, nil
}

// GitHubToken resolves the token the repository watcher authenticates
// with.
func (r RepoWatchConfig) GitHubToken() (string, error) {
	return ResolveSecret("", r.TokenEnv)
}
