package events

// Server-pushed event names. This is the fixed vocabulary the transport
// binding subscribes to; the hub itself accepts any string so new server
// events can be consumed before the client learns their constant.
const (
	TodoUpdated    = "todoUpdated"
	FeatureUpdated = "featureUpdated"
	UserActivity   = "userActivity"
	ProjectUpdated = "projectUpdated"
	UserJoined     = "userJoined"
	UserLeft       = "userLeft"
	JoinedProject  = "joinedProject"
	LeftProject    = "leftProject"
	SessionStarted = "sessionStarted"
	SessionEnded   = "sessionEnded"
	IdeaUpdated    = "ideaUpdated"
	MCPVerified    = "mcpVerified"
)

// Client-local events emitted by the connection manager, never by the server.
const (
	Connected   = "connected"
	Reconnected = "reconnected"
)

// ServerEvents returns every server-pushed name the transport binding listens
// for. The slice is fresh on each call; callers may mutate it.
func ServerEvents() []string {
	return []string{
		TodoUpdated,
		FeatureUpdated,
		UserActivity,
		ProjectUpdated,
		UserJoined,
		UserLeft,
		JoinedProject,
		LeftProject,
		SessionStarted,
		SessionEnded,
		IdeaUpdated,
		MCPVerified,
	}
}

// LocalEvents returns the client-local event names.
func LocalEvents() []string {
	return []string{Connected, Reconnected}
}
