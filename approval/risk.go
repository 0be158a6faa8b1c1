// Package approval is the human-in-the-loop gate. Risky operations are
// classified, recorded, and blocked until a human decides or the request
// times out. Timeouts deny; they never fail the gate.
package approval

import (
	"fmt"
	"sync"
	"time"
)

// RiskLevel classifies how dangerous an operation is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"      // auto-approved, no record
	RiskMedium   RiskLevel = "medium"   // approval recommended
	RiskHigh     RiskLevel = "high"     // approval required
	RiskCritical RiskLevel = "critical" // irreversible actions
)

// rank orders risk levels for raise-only overrides.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 1
}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// OperationType identifies an action an agent wants to perform.
type OperationType string

const (
	OpCodeExecution OperationType = "code_execution"
	OpFileWrite     OperationType = "file_write"
	OpFileDelete    OperationType = "file_delete"

	OpGitCommit       OperationType = "git_commit"
	OpGitPush         OperationType = "git_push"
	OpGitForcePush    OperationType = "git_force_push"
	OpGitBranchDelete OperationType = "git_branch_delete"

	OpAPICall        OperationType = "api_call"
	OpNetworkRequest OperationType = "network_request"

	OpAgentCall OperationType = "agent_call"
	OpPRCreate  OperationType = "pr_create"
)

// defaultRisk is the static classification table. Unknown operations are
// treated as medium so new operation types never bypass the gate.
var defaultRisk = map[OperationType]RiskLevel{
	OpAgentCall: RiskLow,

	OpFileWrite: RiskMedium,
	OpGitCommit: RiskMedium,
	OpPRCreate:  RiskMedium,
	OpAPICall:   RiskMedium,

	OpCodeExecution:  RiskHigh,
	OpFileDelete:     RiskHigh,
	OpGitPush:        RiskHigh,
	OpNetworkRequest: RiskHigh,

	OpGitForcePush:    RiskCritical,
	OpGitBranchDelete: RiskCritical,
}

// defaultTimeouts is how long a pending request waits per risk tier before
// it is denied.
var defaultTimeouts = map[RiskLevel]time.Duration{
	RiskLow:      60 * time.Second,
	RiskMedium:   300 * time.Second,
	RiskHigh:     600 * time.Second,
	RiskCritical: 900 * time.Second,
}

// Classifier maps operations to risk levels. Overrides can only raise risk,
// never lower it below the built-in table.
type Classifier struct {
	mu        sync.RWMutex
	overrides map[OperationType]RiskLevel
}

// NewClassifier returns a Classifier with the default table.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[OperationType]RiskLevel)}
}

// Classify returns the risk level for op. Unknown operations are medium.
func (c *Classifier) Classify(op OperationType) RiskLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.overrides[op]; ok {
		return r
	}
	if r, ok := defaultRisk[op]; ok {
		return r
	}
	return RiskMedium
}

// Raise overrides op's risk to level. Lowering below the current
// classification is rejected.
func (c *Classifier) Raise(op OperationType, level RiskLevel) error {
	if !level.Valid() {
		return fmt.Errorf("unknown risk level %q", level)
	}
	current := c.Classify(op)
	if level.rank() < current.rank() {
		return fmt.Errorf("cannot lower %s from %s to %s", op, current, level)
	}
	c.mu.Lock()
	c.overrides[op] = level
	c.mu.Unlock()
	return nil
}

// RequiresApproval reports whether op must go through the gate.
func (c *Classifier) RequiresApproval(op OperationType) bool {
	return c.Classify(op) != RiskLow
}

// TimeoutFor returns the default wait for a risk tier.
func TimeoutFor(level RiskLevel) time.Duration {
	if d, ok := defaultTimeouts[level]; ok {
		return d
	}
	return defaultTimeouts[RiskMedium]
}
