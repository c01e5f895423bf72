package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_AcceptsValidSuccessEnvelope(t *testing.T) {
	v, err := NewValidator(DefaultSchema)
	require.NoError(t, err)

	raw := []byte(`{"success":true,"outputs":{"result":"ok"},"exitCode":0}`)
	env, err := v.Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.Equal(t, "ok", env.Outputs["result"])
}

func TestValidator_RejectsMissingRequiredField(t *testing.T) {
	v, err := NewValidator(DefaultSchema)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), []byte(`{"exitCode":0}`))
	assert.Error(t, err)
}

func TestValidator_RejectsInvalidJSON(t *testing.T) {
	v, err := NewValidator(DefaultSchema)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), []byte(`not json`))
	assert.ErrorContains(t, err, CodeEnvelopeInvalid)
}

func TestErrorEnvelope_BuildsExpectedFields(t *testing.T) {
	env := ErrorEnvelope(CodeTimeout, "execution exceeded timeout", -1, "partial stdout", "partial stderr")
	assert.False(t, env.Success)
	assert.Equal(t, CodeTimeout, env.ErrorCode)
	assert.Equal(t, -1, env.ExitCode)
}
