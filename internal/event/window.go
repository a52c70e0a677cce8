package event

import "time"

// PostHandoffWindow is how long after a handoff a completed run still counts
// as a post-handoff iteration.
const PostHandoffWindow = 4 * time.Hour

// InPostHandoffWindow reports whether a run completed at completedAt counts
// as a post-handoff iteration for a handoff at handoffAt. The window is open
// at the handoff instant and closed at handoffAt plus PostHandoffWindow.
func InPostHandoffWindow(handoffAt, completedAt time.Time) bool {
	return completedAt.After(handoffAt) && !completedAt.After(handoffAt.Add(PostHandoffWindow))
}
