// Package events defines the event types published on the global bus.
package events

// Subjects are "session.<id>.<type>" for session-scoped events and
// "sessions.<type>" for the firehose consumed by the edge and the UI feed.
const (
	SubjectSessionPrefix = "session."
	SubjectFirehose      = "sessions.>"
)

// Event types for session lifecycle.
const (
	SessionStarted    = "session.started"
	SessionRunning    = "session.running"
	SessionHibernated = "session.hibernated"
	SessionRestored   = "session.restored"
	SessionStopped    = "session.stopped"
	SessionErrored    = "session.errored"
	SessionGCed       = "session.gced"
)

// Event types for session participants.
const (
	SessionUserJoined = "session.user_joined"
	SessionUserLeft   = "session.user_left"
)

// Event types for session content.
const (
	SessionTitleChanged     = "session.title_changed"
	SessionModelsDiscovered = "session.models_discovered"
	SessionPRCreated        = "session.pr_created"
	SessionChildSpawned     = "session.child_spawned"
)

// Stop reasons carried in session.stopped events.
const (
	StopReasonUserStopped = "user_stopped"
	StopReasonCompleted   = "completed"
)

// SubjectFor returns the bus subject for a session-scoped event type.
func SubjectFor(sessionID, eventType string) string {
	return SubjectSessionPrefix + sessionID + "." + eventType
}
