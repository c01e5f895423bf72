package containerexec

import (
	"context"
	"os"

	"github.com/demon-run/demon/internal/envelope"
)

// StubRunner reads a pre-supplied envelope file from the host side instead
// of spawning a container, matching spec.md §4.6's allowance for "a stub
// runtime [that] reads a pre-supplied envelope file" in tests.
type StubRunner struct {
	validator *envelope.Validator
	ExitCode  int
	Stdout    string
	Stderr    string
}

// NewStubRunner constructs a StubRunner validating against validator.
func NewStubRunner(validator *envelope.Validator) *StubRunner {
	return &StubRunner{validator: validator}
}

func (s *StubRunner) Run(ctx context.Context, spec Spec) (envelope.Envelope, error) {
	if err := spec.Validate(); err != nil {
		return envelope.Envelope{}, err
	}

	raw, err := os.ReadFile(spec.hostEnvelopePath())
	if err != nil {
		if os.IsNotExist(err) {
			return envelope.ErrorEnvelope(envelope.CodeEnvelopeMissing, "envelope not written", s.ExitCode, s.Stdout, s.Stderr), nil
		}
		return envelope.ErrorEnvelope(envelope.CodeRuntimeError, err.Error(), s.ExitCode, s.Stdout, s.Stderr), nil
	}

	env, err := s.validator.Validate(ctx, raw)
	if err != nil {
		return envelope.ErrorEnvelope(envelope.CodeEnvelopeInvalid, err.Error(), s.ExitCode, s.Stdout, s.Stderr), nil
	}
	env.ExitCode = s.ExitCode
	env.Stdout = s.Stdout
	env.Stderr = s.Stderr
	return env, nil
}
