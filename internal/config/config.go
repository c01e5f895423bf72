// Package config loads Demon's process configuration from environment
// variables, following the env-only pattern used by the teacher's own
// registry command (registry/cmd/registry/main.go): small envOr helpers,
// no flags, no config file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates every environment-derived setting listed in spec.md §6.
type Config struct {
	NATSURL             string
	RitualStreamName    string
	TenantingEnabled    bool
	TenantDefault       string
	TenantAllowlist     []string
	TenantDualPublish   bool
	ApprovalTTLSeconds  int
	ApproverAllowlist   []string
	WardsGlobalQuota    string
	WardsQuotas         string
	WardsCapQuotas      string
	TTLWorkerEnabled    bool
	TTLConsumerName     string
	TTLBatch            int
	TTLPullTimeoutMS    int
	ContainerRuntime    string
	ContainerUser       string
	ContainerCPUs       string
	ContainerMemory     string
	ContainerPidsLimit  int
	ContainerExecTimeoutSeconds int
	ContainerArtifacts  string
	ContainerWorkspace  string
	ApprovalsAddr       string
	DedupeWindow        time.Duration
}

// ContainerArtifactsDir returns the host directory mounted read-write at
// /workspace/.artifacts for capsule runs.
func (c Config) ContainerArtifactsDir() string { return c.ContainerArtifacts }

// ContainerWorkspaceDir returns the host directory mounted read-only at
// /workspace for capsule runs.
func (c Config) ContainerWorkspaceDir() string { return c.ContainerWorkspace }

// Load reads Config from the process environment, applying the defaults
// named in spec.md §6.
func Load() Config {
	return Config{
		NATSURL:          envOr("NATS_URL", "nats://127.0.0.1:4222"),
		RitualStreamName: firstNonEmpty(os.Getenv("RITUAL_STREAM_NAME"), os.Getenv("DEMON_RITUAL_EVENTS"), "RITUAL_EVENTS"),
		TenantingEnabled: envBoolOr("TENANTING_ENABLED", true),
		TenantDefault:    envOr("TENANT_DEFAULT", "default"),
		TenantAllowlist:  envListOr("TENANT_ALLOWLIST", nil),
		TenantDualPublish: envBoolOr("TENANT_DUAL_PUBLISH", false),
		ApprovalTTLSeconds: envIntOr("APPROVAL_TTL_SECONDS", 0),
		ApproverAllowlist:  envListOr("APPROVER_ALLOWLIST", nil),
		WardsGlobalQuota:   os.Getenv("WARDS_GLOBAL_QUOTA"),
		WardsQuotas:        os.Getenv("WARDS_QUOTAS"),
		WardsCapQuotas:     os.Getenv("WARDS_CAP_QUOTAS"),
		TTLWorkerEnabled:   envBoolOr("TTL_WORKER_ENABLED", true),
		TTLConsumerName:    envOr("TTL_CONSUMER_NAME", "demon-ttl-worker"),
		TTLBatch:           envIntOr("TTL_BATCH", 32),
		TTLPullTimeoutMS:   envIntOr("TTL_PULL_TIMEOUT_MS", 2000),
		ContainerRuntime:   envOr("DEMON_CONTAINER_RUNTIME", "docker"),
		ContainerUser:      envOr("DEMON_CONTAINER_USER", "65532:65532"),
		ContainerCPUs:      os.Getenv("DEMON_CONTAINER_CPUS"),
		ContainerMemory:    os.Getenv("DEMON_CONTAINER_MEMORY"),
		ContainerPidsLimit: envIntOr("DEMON_CONTAINER_PIDS_LIMIT", 256),
		ContainerExecTimeoutSeconds: envIntOr("DEMON_CONTAINER_EXEC_TIMEOUT_SECONDS", 60),
		ContainerArtifacts: envOr("DEMON_CONTAINER_ARTIFACTS_DIR", "/var/lib/demon/artifacts"),
		ContainerWorkspace: envOr("DEMON_CONTAINER_WORKSPACE_DIR", "/var/lib/demon/workspace"),
		ApprovalsAddr:      envOr("DEMON_APPROVALS_ADDR", ":8080"),
		DedupeWindow:       envDurationOr("DEMON_DEDUPE_WINDOW", 2*time.Minute),
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envListOr(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
