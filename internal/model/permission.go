package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionAttemptsRead allows listing attempts and their proctoring counters.
	PermissionAttemptsRead Permission = "attempts:read"

	// PermissionAssessmentsMonitor allows subscribing to the live monitor stream.
	PermissionAssessmentsMonitor Permission = "assessments:monitor"

	// PermissionAssessmentsWrite allows registering assessment outlines.
	PermissionAssessmentsWrite Permission = "assessments:write"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionAttemptsRead,
	PermissionAssessmentsMonitor,
	PermissionAssessmentsWrite,
}
