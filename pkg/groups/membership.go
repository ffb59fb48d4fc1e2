// Package groups issues project-scoped membership and activity requests over
// the realtime transport. All operations are best-effort: the server's
// fan-out is keyed by membership, so a missed join surfaces as missing
// updates, never as an application error.
package groups

import (
	"context"
	"sync"

	"github.com/taskhive/taskhive-go/pkg/log"
)

// RPC targets and their plain-message fallback type tags. Servers that speak
// invocation framing handle the former; the raw push endpoint understands
// only the latter.
const (
	targetJoinProject  = "JoinProject"
	targetLeaveProject = "LeaveProject"
	targetUserActivity = "SendUserActivity"

	typeJoinProject  = "joinProject"
	typeLeaveProject = "leaveProject"
	typeUserActivity = "sendUserActivity"
)

// Conn is the transport surface group operations need; the realtime
// transport implements it. Invoke attempts an RPC-style invocation, Send
// writes one structured message.
type Conn interface {
	Connected() bool
	Invoke(ctx context.Context, target string, args ...any) error
	Send(ctx context.Context, v any) error
}

type groupMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
}

type activityMessage struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Action    string `json:"action"`
	FeatureID string `json:"featureId,omitempty"`
}

// Membership tracks the active transport and issues join/leave/activity
// requests against it. Safe for concurrent use; the connection manager swaps
// the conn while application goroutines issue operations.
type Membership struct {
	mu     sync.RWMutex
	conn   Conn
	logger *log.Logger
}

func New() *Membership {
	return &Membership{logger: log.ForComponent("groups")}
}

// UpdateConn swaps the transport used by subsequent operations. The manager
// calls this after every reconnect, since a new transport instance replaces
// the old one; nil detaches.
func (m *Membership) UpdateConn(c Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = c
}

func (m *Membership) current() Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// JoinProject subscribes this connection to a project's update group.
// Callers re-issue joins on the connected and reconnected events; nothing is
// queued while disconnected.
func (m *Membership) JoinProject(ctx context.Context, projectID string) {
	m.invokeWithFallback(ctx, targetJoinProject,
		groupMessage{Type: typeJoinProject, ProjectID: projectID},
		projectID)
}

// LeaveProject removes this connection from a project's update group.
func (m *Membership) LeaveProject(ctx context.Context, projectID string) {
	m.invokeWithFallback(ctx, targetLeaveProject,
		groupMessage{Type: typeLeaveProject, ProjectID: projectID},
		projectID)
}

// NotifyActivity reports what the user is doing inside a project. featureID
// is optional and omitted from the wire when empty.
func (m *Membership) NotifyActivity(ctx context.Context, projectID, action, featureID string) {
	args := []any{projectID, action}
	if featureID != "" {
		args = append(args, featureID)
	}
	m.invokeWithFallback(ctx, targetUserActivity,
		activityMessage{Type: typeUserActivity, ProjectID: projectID, Action: action, FeatureID: featureID},
		args...)
}

// invokeWithFallback runs the RPC-or-plain-message dance: silently skip when
// not connected, try the invocation, and on rejection send the fallback
// exactly once. Neither path surfaces an error to the caller; a fallback
// failure is only logged.
func (m *Membership) invokeWithFallback(ctx context.Context, target string, fallback any, args ...any) {
	c := m.current()
	if c == nil || !c.Connected() {
		m.logger.Debugf("%s skipped: not connected", target)
		return
	}

	err := c.Invoke(ctx, target, args...)
	if err == nil {
		return
	}
	m.logger.Debugf("%s invocation rejected (%v), sending fallback message", target, err)

	if err := c.Send(ctx, fallback); err != nil {
		m.logger.Warnf("%s fallback send failed: %v", target, err)
	}
}
