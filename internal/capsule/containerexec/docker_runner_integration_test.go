//go:build integration

package containerexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/demon-run/demon/internal/envelope"
)

// TestDockerRunner_SandboxedExecution_WritesEnvelope exercises a real
// container run under the mandatory sandbox profile, using
// testcontainers-go only to confirm a Docker daemon is reachable before
// DockerRunner drives the container lifecycle directly.
func TestDockerRunner_SandboxedExecution_WritesEnvelope(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	require.NoError(t, err)
	defer provider.Close()

	v, err := envelope.NewValidator(envelope.DefaultSchema)
	require.NoError(t, err)
	runner, err := NewDockerRunner(v, nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o777))

	spec := Spec{
		ImageDigest:    "busybox@sha256:" + repeat("0", 64),
		Command:        []string{"sh", "-c", "echo '{\"success\":true,\"exitCode\":0}' > /workspace/.artifacts/envelope.json"},
		ArtifactsDir:   artifacts,
		WorkspaceDir:   dir,
		EnvelopePath:   "/workspace/.artifacts/envelope.json",
		TimeoutSeconds: 10,
		User:           "65532:65532",
		PidsLimit:      64,
	}

	env, err := runner.Run(ctx, spec)
	require.NoError(t, err)
	require.True(t, env.Success)
}
