// Package containerexec implements the Container-Exec Capsule (spec.md
// §4.6): sandboxed execution of a digest-pinned image under a hardened
// profile, producing a validated Result Envelope.
package containerexec

import (
	"context"
	"fmt"
	"regexp"

	"github.com/demon-run/demon/internal/envelope"
)

// digestPinned matches "name@sha256:<64 hex chars>" (spec.md §4.6 "imageDigest
// MUST be digest-pinned").
var digestPinned = regexp.MustCompile(`^.+@sha256:[0-9a-f]{64}$`)

// Spec configures a single capsule execution (spec.md §4.6 "Inputs").
type Spec struct {
	ImageDigest  string
	Command      []string
	Env          map[string]string
	WorkingDir   string
	EnvelopePath string // path the container writes its envelope to, e.g. "/workspace/.artifacts/envelope.json"
	WorkspaceDir string // host directory mounted read-only at /workspace
	ArtifactsDir string // host directory mounted read-write at /workspace/.artifacts

	TimeoutSeconds int
	User           string // "uid:gid"; DockerRunner uses 65532:65532 when empty
	CPUs           string
	Memory         string
	PidsLimit      int64
}

// Validate checks the mandatory digest-pinning constraint (spec.md §4.6
// "non-pinned references are rejected at load time").
func (s Spec) Validate() error {
	if !digestPinned.MatchString(s.ImageDigest) {
		return fmt.Errorf("imageDigest %q is not digest-pinned (want name@sha256:<hex>)", s.ImageDigest)
	}
	return nil
}

// stdoutStderrCap is the documented byte cap each captured stream is
// trimmed to (spec.md §4.6 step 4: "e.g., 2 KiB each").
const stdoutStderrCap = 2 * 1024

// Runner executes a capsule Spec and returns its Result Envelope. A runtime
// error always yields a canonical error envelope rather than a Go error,
// except for spec validation and host-path preparation failures.
// DockerRunner reports cancellation of the caller's context the same way as
// a timeout, with a CONTAINER_EXEC_TIMEOUT envelope.
type Runner interface {
	Run(ctx context.Context, spec Spec) (envelope.Envelope, error)
}

func trimToCap(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}
	return s[:capBytes]
}
