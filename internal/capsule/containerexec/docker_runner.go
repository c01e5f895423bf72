package containerexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	digest "github.com/opencontainers/go-digest"

	"github.com/demon-run/demon/internal/envelope"
	"github.com/demon-run/demon/internal/telemetry"
)

// defaultExecTimeout is the process-wide fallback (spec.md §4.6 step 3:
// "fallback to a process-wide default") when a Spec doesn't set its own.
const defaultExecTimeout = 60 * time.Second

// tmpfsSizeCap bounds the writable /tmp tmpfs (spec.md §4.6 "a small size
// cap").
const tmpfsSizeCap = "64m"

// DockerRunner executes capsules via the Docker Engine API, applying the
// mandatory sandbox profile spec.md §4.6 requires on every container.
type DockerRunner struct {
	cli       *client.Client
	validator *envelope.Validator
	log       telemetry.Logger
	tr        telemetry.Tracer
}

// NewDockerRunner constructs a DockerRunner from the ambient Docker
// environment (DOCKER_HOST, etc, via client.FromEnv).
func NewDockerRunner(validator *envelope.Validator, log telemetry.Logger, tr telemetry.Tracer) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("init docker client: %w", err)
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if tr == nil {
		tr = telemetry.NewNoopTracer()
	}
	return &DockerRunner{cli: cli, validator: validator, log: log, tr: tr}, nil
}

func (r *DockerRunner) Run(ctx context.Context, spec Spec) (envelope.Envelope, error) {
	if err := spec.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	if _, err := digest.Parse(digestSuffix(spec.ImageDigest)); err != nil {
		return envelope.Envelope{}, fmt.Errorf("invalid image digest: %w", err)
	}

	ctx, span := r.tr.Start(ctx, "containerexec.Run")
	defer span.End()

	timeout := time.Duration(spec.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.prepareHostPaths(spec); err != nil {
		return envelope.Envelope{}, fmt.Errorf("prepare host paths: %w", err)
	}

	containerCfg, hostCfg := r.buildConfig(spec)

	created, err := r.cli.ContainerCreate(execCtx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return envelope.ErrorEnvelope(envelope.CodeRuntimeError, err.Error(), -1, "", ""), nil
	}
	defer func() {
		_ = r.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.cli.ContainerStart(execCtx, created.ID, container.StartOptions{}); err != nil {
		return envelope.ErrorEnvelope(envelope.CodeRuntimeError, err.Error(), -1, "", ""), nil
	}

	statusCh, errCh := r.cli.ContainerWait(execCtx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return r.timeoutOrRuntimeEnvelope(execCtx, created.ID, err), nil
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-execCtx.Done():
		return r.timeoutOrRuntimeEnvelope(execCtx, created.ID, execCtx.Err()), nil
	}

	stdout, stderr := r.captureLogs(ctx, created.ID)

	return r.readEnvelope(ctx, spec, int(exitCode), stdout, stderr)
}

func (r *DockerRunner) timeoutOrRuntimeEnvelope(ctx context.Context, containerID string, cause error) envelope.Envelope {
	stdout, stderr := r.captureLogs(context.Background(), containerID)
	if ctx.Err() != nil {
		_ = r.cli.ContainerStop(context.Background(), containerID, container.StopOptions{})
		return envelope.ErrorEnvelope(envelope.CodeTimeout, "execution exceeded timeoutSeconds", -1, stdout, stderr)
	}
	return envelope.ErrorEnvelope(envelope.CodeRuntimeError, cause.Error(), -1, stdout, stderr)
}

func (r *DockerRunner) captureLogs(ctx context.Context, containerID string) (string, string) {
	out, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", ""
	}
	defer out.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, out)
	// stdout/stderr are interleaved by the multiplexed log stream; capsule
	// diagnostics don't need them demultiplexed, only capped.
	data := trimToCap(buf.String(), stdoutStderrCap)
	return data, ""
}

func (r *DockerRunner) readEnvelope(ctx context.Context, spec Spec, exitCode int, stdout, stderr string) (envelope.Envelope, error) {
	raw, err := os.ReadFile(spec.hostEnvelopePath())
	if err != nil {
		if os.IsNotExist(err) {
			return envelope.ErrorEnvelope(envelope.CodeEnvelopeMissing, "envelope not written", exitCode, stdout, stderr), nil
		}
		return envelope.ErrorEnvelope(envelope.CodeRuntimeError, err.Error(), exitCode, stdout, stderr), nil
	}

	env, err := r.validator.Validate(ctx, raw)
	if err != nil {
		return envelope.ErrorEnvelope(envelope.CodeEnvelopeInvalid, err.Error(), exitCode, stdout, stderr), nil
	}
	env.ExitCode = exitCode
	env.Stdout = stdout
	env.Stderr = stderr
	return env, nil
}

func (r *DockerRunner) prepareHostPaths(spec Spec) error {
	if err := os.MkdirAll(spec.ArtifactsDir, 0o777); err != nil {
		return err
	}
	placeholder := spec.hostEnvelopePath()
	if err := os.MkdirAll(filepath.Dir(placeholder), 0o777); err != nil {
		return err
	}
	f, err := os.OpenFile(placeholder, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	return f.Close()
}

// hostEnvelopePath resolves the host-side placeholder file the envelope
// target path is bind-mounted from (spec.md §4.6 "Mount discipline": "a
// direct file bind from a pre-created host placeholder").
func (s Spec) hostEnvelopePath() string {
	return filepath.Join(s.ArtifactsDir, filepath.Base(s.EnvelopePath))
}

func (r *DockerRunner) buildConfig(spec Spec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	user := spec.User
	if user == "" {
		user = "65532:65532" // non-root default
	}

	cfg := &container.Config{
		Image:      spec.ImageDigest,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: spec.WorkingDir,
		User:       user,
		Entrypoint: []string{}, // spec.md §4.6 "Explicit --entrypoint """
	}

	var nanoCPUs int64
	if spec.CPUs != "" {
		if cpus, err := parseCPUs(spec.CPUs); err == nil {
			nanoCPUs = cpus
		}
	}
	var memBytes int64
	if spec.Memory != "" {
		if mem, err := units.RAMInBytes(spec.Memory); err == nil {
			memBytes = mem
		}
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,nodev,size=%s", tmpfsSizeCap),
		},
		Resources: container.Resources{
			NanoCPUs:   nanoCPUs,
			Memory:     memBytes,
			PidsLimit:  &spec.PidsLimit,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.WorkspaceDir, Target: "/workspace", ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.ArtifactsDir, Target: "/workspace/.artifacts", ReadOnly: false},
			{Type: mount.TypeBind, Source: spec.hostEnvelopePath(), Target: spec.EnvelopePath, ReadOnly: false},
		},
	}

	return cfg, hostCfg
}

func digestSuffix(imageDigest string) string {
	for i := len(imageDigest) - 1; i >= 0; i-- {
		if imageDigest[i] == '@' {
			return imageDigest[i+1:]
		}
	}
	return imageDigest
}

func parseCPUs(s string) (int64, error) {
	var cpus float64
	if _, err := fmt.Sscanf(s, "%f", &cpus); err != nil {
		return 0, err
	}
	return int64(cpus * 1e9), nil
}
