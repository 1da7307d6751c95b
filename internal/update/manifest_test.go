package update

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifestDependencyOrder(t *testing.T) {
	doc := []byte(`
services:
  api:
    depends_on:
      - db
    labels:
      castellan.health-url: http://localhost:8080/health
  db:
    labels:
      - castellan.health-url=http://localhost:5432/health
  worker:
    depends_on:
      api:
        condition: service_healthy
`)
	m, err := ParseManifest(doc)
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "api", "worker"}, m.Names())
	assert.Equal(t, "http://localhost:5432/health", m.Services[0].HealthURL)
	assert.Equal(t, "http://localhost:8080/health", m.Services[1].HealthURL)
	assert.Empty(t, m.Services[2].HealthURL)
}

func TestParseManifestAlphabeticalWhenIndependent(t *testing.T) {
	doc := []byte(`
services:
  s3: {}
  s1: {}
  s2: {}
`)
	m, err := ParseManifest(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, m.Names())
}

func TestParseManifestRejectsCycle(t *testing.T) {
	doc := []byte(`
services:
  a:
    depends_on: [b]
  b:
    depends_on: [a]
`)
	_, err := ParseManifest(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestParseManifestRejectsUnknownDependency(t *testing.T) {
	doc := []byte(`
services:
  a:
    depends_on: [ghost]
`)
	_, err := ParseManifest(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared service")
}

func TestParseManifestRejectsEmpty(t *testing.T) {
	_, err := ParseManifest([]byte("services: {}"))
	require.Error(t, err)

	_, err = ParseManifest([]byte("version: '3'"))
	require.Error(t, err)
}

func TestApplyHealthURLsOverride(t *testing.T) {
	m := &Manifest{Services: []Service{
		{Name: "s1", HealthURL: "http://label/1"},
		{Name: "s2", HealthURL: "http://label/2"},
		{Name: "s3", HealthURL: "http://label/3"},
	}}

	m.ApplyHealthURLs("http://env/1, http://env/2")

	assert.Equal(t, "http://env/1", m.Services[0].HealthURL)
	assert.Equal(t, "http://env/2", m.Services[1].HealthURL)
	assert.Empty(t, m.Services[2].HealthURL, "services past the override list lose their check")
}

func TestApplyHealthURLsBlankSlotDisables(t *testing.T) {
	m := &Manifest{Services: []Service{
		{Name: "s1", HealthURL: "http://label/1"},
		{Name: "s2", HealthURL: "http://label/2"},
	}}

	m.ApplyHealthURLs(",http://env/2")

	assert.Empty(t, m.Services[0].HealthURL)
	assert.Equal(t, "http://env/2", m.Services[1].HealthURL)
}

func TestLoadManifestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  app: {}\n"), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, m.Names())

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}
