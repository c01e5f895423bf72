package containerexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demon-run/demon/internal/envelope"
)

func TestSpec_Validate_RejectsNonPinnedDigest(t *testing.T) {
	s := Spec{ImageDigest: "myimage:latest"}
	assert.Error(t, s.Validate())
}

func TestSpec_Validate_AcceptsPinnedDigest(t *testing.T) {
	s := Spec{ImageDigest: "myimage@sha256:" + repeat("a", 64)}
	assert.NoError(t, s.Validate())
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}

func TestStubRunner_ValidSuccessEnvelope(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o777))

	envelopePath := filepath.Join(artifacts, "envelope.json")
	require.NoError(t, os.WriteFile(envelopePath, []byte(`{"success":true,"outputs":{"x":1},"exitCode":0}`), 0o666))

	v, err := envelope.NewValidator(envelope.DefaultSchema)
	require.NoError(t, err)

	runner := NewStubRunner(v)
	spec := Spec{
		ImageDigest:  "myimage@sha256:" + repeat("a", 64),
		ArtifactsDir: artifacts,
		EnvelopePath: "/workspace/.artifacts/envelope.json",
	}

	env, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, env.Success)
}

func TestStubRunner_MissingEnvelope(t *testing.T) {
	dir := t.TempDir()
	v, err := envelope.NewValidator(envelope.DefaultSchema)
	require.NoError(t, err)

	runner := NewStubRunner(v)
	spec := Spec{
		ImageDigest:  "myimage@sha256:" + repeat("a", 64),
		ArtifactsDir: dir,
		EnvelopePath: "/workspace/.artifacts/envelope.json",
	}

	env, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, env.Success)
	assert.Equal(t, envelope.CodeEnvelopeMissing, env.ErrorCode)
}

func TestStubRunner_InvalidEnvelope(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "envelope.json"), []byte(`not json`), 0o666))

	v, err := envelope.NewValidator(envelope.DefaultSchema)
	require.NoError(t, err)

	runner := NewStubRunner(v)
	spec := Spec{
		ImageDigest:  "myimage@sha256:" + repeat("a", 64),
		ArtifactsDir: dir,
		EnvelopePath: "/workspace/.artifacts/envelope.json",
	}

	env, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, env.Success)
	assert.Equal(t, envelope.CodeEnvelopeInvalid, env.ErrorCode)
}
