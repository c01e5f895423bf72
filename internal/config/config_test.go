package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearDemonEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"NATS_URL", "RITUAL_STREAM_NAME", "DEMON_RITUAL_EVENTS", "TENANTING_ENABLED",
		"TENANT_DEFAULT", "TENANT_ALLOWLIST", "TENANT_DUAL_PUBLISH", "APPROVAL_TTL_SECONDS",
		"APPROVER_ALLOWLIST", "WARDS_GLOBAL_QUOTA", "WARDS_QUOTAS", "WARDS_CAP_QUOTAS",
		"TTL_WORKER_ENABLED", "TTL_CONSUMER_NAME", "TTL_BATCH", "TTL_PULL_TIMEOUT_MS",
		"DEMON_CONTAINER_RUNTIME", "DEMON_CONTAINER_USER", "DEMON_CONTAINER_CPUS",
		"DEMON_CONTAINER_MEMORY", "DEMON_CONTAINER_PIDS_LIMIT", "DEMON_CONTAINER_EXEC_TIMEOUT_SECONDS",
		"DEMON_CONTAINER_ARTIFACTS_DIR", "DEMON_CONTAINER_WORKSPACE_DIR", "DEMON_APPROVALS_ADDR",
		"DEMON_DEDUPE_WINDOW",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearDemonEnv(t)

	cfg := Load()

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, "RITUAL_EVENTS", cfg.RitualStreamName)
	assert.True(t, cfg.TenantingEnabled)
	assert.Equal(t, "default", cfg.TenantDefault)
	assert.Nil(t, cfg.TenantAllowlist)
	assert.False(t, cfg.TenantDualPublish)
	assert.True(t, cfg.TTLWorkerEnabled)
	assert.Equal(t, 32, cfg.TTLBatch)
	assert.Equal(t, "docker", cfg.ContainerRuntime)
	assert.Equal(t, ":8080", cfg.ApprovalsAddr)
	assert.Equal(t, "/var/lib/demon/artifacts", cfg.ContainerArtifactsDir())
	assert.Equal(t, "/var/lib/demon/workspace", cfg.ContainerWorkspaceDir())
	assert.Equal(t, 2*time.Minute, cfg.DedupeWindow)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearDemonEnv(t)
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("RITUAL_STREAM_NAME", "CUSTOM_STREAM")
	t.Setenv("TENANT_ALLOWLIST", "acme, globex ,")
	t.Setenv("TTL_WORKER_ENABLED", "false")
	t.Setenv("TTL_BATCH", "64")
	t.Setenv("DEMON_CONTAINER_RUNTIME", "stub")
	t.Setenv("DEMON_DEDUPE_WINDOW", "5m")

	cfg := Load()

	assert.Equal(t, "nats://broker:4222", cfg.NATSURL)
	assert.Equal(t, "CUSTOM_STREAM", cfg.RitualStreamName)
	assert.Equal(t, []string{"acme", "globex"}, cfg.TenantAllowlist)
	assert.False(t, cfg.TTLWorkerEnabled)
	assert.Equal(t, 64, cfg.TTLBatch)
	assert.Equal(t, "stub", cfg.ContainerRuntime)
	assert.Equal(t, 5*time.Minute, cfg.DedupeWindow)
}

func TestLoad_RitualStreamNameFallsBackToLegacyVar(t *testing.T) {
	clearDemonEnv(t)
	t.Setenv("DEMON_RITUAL_EVENTS", "LEGACY_STREAM")

	cfg := Load()

	assert.Equal(t, "LEGACY_STREAM", cfg.RitualStreamName)
}

func TestEnvIntOr_IgnoresUnparseableValue(t *testing.T) {
	clearDemonEnv(t)
	t.Setenv("TTL_BATCH", "not-a-number")

	cfg := Load()

	assert.Equal(t, 32, cfg.TTLBatch)
}
