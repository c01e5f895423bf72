package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRitualSubject(t *testing.T) {
	assert.Equal(t, "demon.ritual.v1.acme.deploy.run-1.events", RitualSubject("acme", "deploy", "run-1"))
}

func TestLegacyRitualSubject(t *testing.T) {
	assert.Equal(t, "demon.ritual.v1.deploy.run-1.events", LegacyRitualSubject("deploy", "run-1"))
}

func TestPublishTargets_TenantingDisabled(t *testing.T) {
	got := PublishTargets(false, false, "acme", "deploy", "run-1")
	assert.Equal(t, []string{"demon.ritual.v1.deploy.run-1.events"}, got)
}

func TestPublishTargets_TenantingEnabled_NoDualPublish(t *testing.T) {
	got := PublishTargets(true, false, "acme", "deploy", "run-1")
	assert.Equal(t, []string{"demon.ritual.v1.acme.deploy.run-1.events"}, got)
}

func TestPublishTargets_DualPublish_NewFirst(t *testing.T) {
	got := PublishTargets(true, true, "acme", "deploy", "run-1")
	assert.Equal(t, []string{
		"demon.ritual.v1.acme.deploy.run-1.events",
		"demon.ritual.v1.deploy.run-1.events",
	}, got)
}

func TestPublishTargets_DefaultTenant(t *testing.T) {
	got := PublishTargets(true, false, "", "deploy", "run-1")
	assert.Equal(t, []string{"demon.ritual.v1.default.deploy.run-1.events"}, got)
}

func TestReadSubject(t *testing.T) {
	assert.Equal(t, "demon.ritual.v1.deploy.run-1.events", ReadSubject(false, "acme", "deploy", "run-1"))
	assert.Equal(t, "demon.ritual.v1.acme.deploy.run-1.events", ReadSubject(true, "acme", "deploy", "run-1"))
	assert.Equal(t, "demon.ritual.v1.default.deploy.run-1.events", ReadSubject(true, "", "deploy", "run-1"))
}
