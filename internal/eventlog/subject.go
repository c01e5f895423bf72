package eventlog

import "fmt"

// RitualSubjectPrefix and PolicySubjectPrefix bound the stream's subject
// filter (spec.md §6 "Wire: streaming bus"): the durable stream binds to
// "demon.ritual.v1.>" and optionally "demon.policy.v1.>".
const (
	RitualSubjectPrefix = "demon.ritual.v1"
	PolicySubjectPrefix = "demon.policy.v1"
)

// DefaultTenant is substituted for the tenant component of a subject when
// tenanting is disabled (spec.md §4.1 "Legacy" subject schema).
const DefaultTenant = "default"

// RitualSubject builds the tenant-scoped run subject
// "demon.ritual.v1.<tenant>.<ritualId>.<runId>.events".
func RitualSubject(tenant, ritualID, runID string) string {
	return fmt.Sprintf("%s.%s.%s.%s.events", RitualSubjectPrefix, tenant, ritualID, runID)
}

// LegacyRitualSubject builds the pre-tenanting run subject
// "demon.ritual.v1.<ritualId>.<runId>.events", observed as tenant "default".
func LegacyRitualSubject(ritualID, runID string) string {
	return fmt.Sprintf("%s.%s.%s.events", RitualSubjectPrefix, ritualID, runID)
}

// PolicySubject builds the tenant-scoped policy decision subject
// "demon.policy.v1.<tenant>.decisions".
func PolicySubject(tenant string) string {
	return fmt.Sprintf("%s.%s.decisions", PolicySubjectPrefix, tenant)
}

// PublishTargets resolves the subject(s) a run event should be published to,
// given the tenanting and dual-publish configuration. When tenanting is
// disabled the run is addressed solely by its legacy subject. When dual
// publish is enabled both the tenant-scoped and legacy subjects are
// returned, new subject first, so a caller publishing in order satisfies the
// "publish new first, then legacy" precedence recorded for
// TENANT_DUAL_PUBLISH partial outages (spec.md §9 Open Questions).
func PublishTargets(tenantingEnabled, dualPublish bool, tenant, ritualID, runID string) []string {
	if !tenantingEnabled {
		return []string{LegacyRitualSubject(ritualID, runID)}
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	targets := []string{RitualSubject(tenant, ritualID, runID)}
	if dualPublish {
		targets = append(targets, LegacyRitualSubject(ritualID, runID))
	}
	return targets
}

// ReadSubject resolves the subject a reader should subscribe to for a given
// run: the tenant-scoped subject when tenanting is enabled, the legacy
// subject otherwise. Readers prefer the new subject per spec.md §4.1
// "Migration mode".
func ReadSubject(tenantingEnabled bool, tenant, ritualID, runID string) string {
	if !tenantingEnabled {
		return LegacyRitualSubject(ritualID, runID)
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	return RitualSubject(tenant, ritualID, runID)
}
