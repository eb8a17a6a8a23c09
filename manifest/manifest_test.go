package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strato-sh/strato/resource"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadProcessorManifest(t *testing.T) {
	path := writeManifest(t, `
kind: Processor
name: ingest
namespace: prod
owner: acme
spec:
  image: ghcr.io/acme/ingest:1
  stream: events
  min_replicas: 1
  max_replicas: 8
  accelerator: "A100:2"
  env:
    - key: MODE
      value: fast
    - key: API_TOKEN
      secret: api-token
  scale:
    up:
      above: 100
      for: "30s"
    down:
      below: 10
      for: "2m"
    zero:
      for: "10m"
    step: 2
    anti_flap: "1m"
`)

	resources, err := Read(path, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, resources, 1)

	res := resources[0]
	assert.Equal(t, resource.KindProcessor, res.Kind)
	assert.Equal(t, "ingest", res.Metadata.Name)
	assert.Equal(t, "prod", res.Metadata.Namespace)
	assert.Equal(t, "events", res.Spec.Stream)
	require.NotNil(t, res.Spec.Accelerator)
	assert.Equal(t, "A100", res.Spec.Accelerator.Type)
	assert.Equal(t, 2, res.Spec.Accelerator.Count)
	assert.Equal(t, []resource.EnvVar{
		{Key: "MODE", Value: "fast"},
		{Key: "API_TOKEN", SecretName: "api-token"},
	}, res.Spec.Env)

	require.NotNil(t, res.Spec.Scale)
	assert.Equal(t, 100.0, res.Spec.Scale.Up.Threshold)
	assert.Equal(t, 30*time.Second, res.Spec.Scale.Up.Dwell)
	assert.Equal(t, 2*time.Minute, res.Spec.Scale.Down.Dwell)
	assert.Equal(t, 0.0, res.Spec.Scale.Zero.Threshold)
	assert.Equal(t, 10*time.Minute, res.Spec.Scale.Zero.Dwell)
	assert.Equal(t, 2, res.Spec.Scale.Step)
	assert.Equal(t, time.Minute, res.Spec.Scale.AntiFlap)
}

func TestReadMultiDocumentManifest(t *testing.T) {
	path := writeManifest(t, `
kind: Container
name: web
owner: acme
spec:
  image: ghcr.io/acme/web:1
---
kind: Cluster
name: training
owner: acme
spec:
  image: ghcr.io/acme/train:1
  node_count: 4
  accelerator: "H100"
`)

	resources, err := Read(path, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, resource.KindContainer, resources[0].Kind)
	assert.Equal(t, "default", resources[0].Metadata.Namespace)
	assert.Equal(t, resource.KindCluster, resources[1].Kind)
	assert.Equal(t, 4, resources[1].Spec.NodeCount)
	assert.Equal(t, 1, resources[1].Spec.Accelerator.Count, "bare accelerator type means one unit")
}

func TestTemplateParamsAndSprigFuncs(t *testing.T) {
	path := writeManifest(t, `
kind: Container
name: {{ param "name" | lower }}
owner: {{ .Params.owner | default "acme" }}
spec:
  image: ghcr.io/acme/{{ param "name" | lower }}:{{ param "tag" }}
`)

	resources, err := Read(path, ReadOptions{Params: map[string]string{"name": "WEB", "tag": "42"}})
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "web", resources[0].Metadata.Name)
	assert.Equal(t, "acme", resources[0].Metadata.Owner)
	assert.Equal(t, "ghcr.io/acme/web:42", resources[0].Spec.Image)
}

func TestReadRejectsBadDuration(t *testing.T) {
	path := writeManifest(t, `
kind: Service
name: api
owner: acme
spec:
  image: ghcr.io/acme/api:1
  min_replicas: 1
  scale:
    up:
      above: 250
      for: "soon"
`)

	_, err := Read(path, ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale.up.for")
}

func TestReadRejectsUnknownKind(t *testing.T) {
	path := writeManifest(t, `
kind: Satellite
name: sky
owner: acme
spec:
  image: ghcr.io/acme/sky:1
`)

	_, err := Read(path, ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestReadRejectsConflictingEnv(t *testing.T) {
	path := writeManifest(t, `
kind: Container
name: web
owner: acme
spec:
  image: ghcr.io/acme/web:1
  env:
    - key: TOKEN
      value: plain
      secret: also-secret
`)

	_, err := Read(path, ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both a value and a secret")
}

func TestReadRejectsReservedQueue(t *testing.T) {
	path := writeManifest(t, `
kind: Container
name: web
owner: acme
spec:
  image: ghcr.io/acme/web:1
  queue: system
`)

	_, err := Read(path, ReadOptions{})
	require.Error(t, err)
}

func TestReadDirAppliesLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-second.yaml"), []byte(`
kind: Container
name: second
owner: acme
spec:
  image: ghcr.io/acme/second:1
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-first.yml"), []byte(`
kind: Container
name: first
owner: acme
spec:
  image: ghcr.io/acme/first:1
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a manifest"), 0o644))

	resources, err := ReadDir(dir, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "first", resources[0].Metadata.Name)
	assert.Equal(t, "second", resources[1].Metadata.Name)
}
