package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterThenResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", "demon.ritual.v1.acme.deploy.run-1.events", "acme", "deploy")

	subject, tenant, ritualID, ok := r.Resolve("run-1")
	assert.True(t, ok)
	assert.Equal(t, "demon.ritual.v1.acme.deploy.run-1.events", subject)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, "deploy", ritualID)
}

func TestRegistry_UnknownRunIsNotOK(t *testing.T) {
	r := NewRegistry()
	_, _, _, ok := r.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistry_ForgetRemovesEntry(t *testing.T) {
	r := NewRegistry()
	r.Register("run-1", "subj", "acme", "deploy")
	r.Forget("run-1")
	_, _, _, ok := r.Resolve("run-1")
	assert.False(t, ok)
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
