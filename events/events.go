// Package events is the in-process event bus for task progress. Every task
// has its own append-only event log with sequence numbers from zero, so an
// observer can attach at any point, replay what it missed, and then follow
// live without gaps or reordering.
package events

import "time"

// Type identifies what happened.
type Type string

const (
	TypeTaskStart        Type = "TASK_START"
	TypeAgentStart       Type = "AGENT_START"
	TypeAgentProgress    Type = "AGENT_PROGRESS"
	TypeAgentComplete    Type = "AGENT_COMPLETE"
	TypeApprovalRequired Type = "APPROVAL_REQUIRED"
	TypeApprovalDecided  Type = "APPROVAL_DECIDED"
	TypeApprovalTimeout  Type = "APPROVAL_TIMEOUT"
	TypeIteration        Type = "ITERATION"
	TypeRoutingDecision  Type = "ROUTING_DECISION"
	TypeComplete         Type = "COMPLETE"
	TypeError            Type = "ERROR"
	TypeKeepalive        Type = "KEEPALIVE"
)

// Terminal reports whether t ends a task's stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Event is one entry in a task's event log. Seq is dense and monotonic per
// task, starting at zero.
type Event struct {
	TaskID    string         `json:"task_id"`
	Seq       int            `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
