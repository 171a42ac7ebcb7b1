// Package orchestration runs one conversation turn as a plan, execute,
// reflect loop over registered tools, and exposes background runs through
// a polling job store.
package orchestration

import (
	"time"

	"github.com/itsneelabh/agentloop/core"
)

// ToolCall is a single tool invocation. IDs are unique within a plan.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ExecutionPlan is the planner's output for one planning pass.
type ExecutionPlan struct {
	ToolCalls           []ToolCall `json:"tool_calls"`
	Priority            string     `json:"priority"`
	Parallelizable      bool       `json:"parallelizable"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms"`
	Confidence          int        `json:"confidence"`
}

// IntentAnalysis is an optional pre-classification of the question passed
// to the planner as context.
type IntentAnalysis struct {
	Intent     string   `json:"intent"`
	Entities   []string `json:"entities,omitempty"`
	NeedsTools bool     `json:"needs_tools"`
}

// WorkerStatus is the lifecycle state of a WorkerAgent.
type WorkerStatus string

const (
	StatusPending WorkerStatus = "pending"
	StatusRunning WorkerStatus = "running"
	StatusSuccess WorkerStatus = "success"
	StatusFailed  WorkerStatus = "failed"
	StatusTimeout WorkerStatus = "timeout"
)

// IsTerminal reports whether s is success, failed or timeout.
func (s WorkerStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// WorkerAgentResult is produced once, when an agent reaches a terminal status.
type WorkerAgentResult struct {
	AgentID         string                 `json:"agent_id"`
	ToolName        string                 `json:"tool_name"`
	Status          WorkerStatus           `json:"status"`
	Data            interface{}            `json:"data,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Params          map[string]interface{} `json:"params,omitempty"`
}

// Decision is the next action chosen by reflection.
type Decision string

const (
	DecisionAnswer      Decision = "answer"
	DecisionRetry       Decision = "retry"
	DecisionAlternative Decision = "alternative"
	DecisionAskUser     Decision = "ask_user"
	DecisionGiveUp      Decision = "give_up"
)

func (d Decision) valid() bool {
	switch d {
	case DecisionAnswer, DecisionRetry, DecisionAlternative, DecisionAskUser, DecisionGiveUp:
		return true
	}
	return false
}

// SuggestedTool is a tool call proposed by reflection.
type SuggestedTool struct {
	ToolName  string                 `json:"tool_name"`
	Params    map[string]interface{} `json:"params"`
	Reasoning string                 `json:"reasoning,omitempty"`
}

// ReflectionResponse is the judgment returned by one reflection call.
type ReflectionResponse struct {
	Decision              Decision        `json:"decision"`
	Reasoning             string          `json:"reasoning"`
	Confidence            int             `json:"confidence"`
	SuggestedTools        []SuggestedTool `json:"suggested_tools,omitempty"`
	PartialResponse       string          `json:"partial_response,omitempty"`
	ClarificationQuestion string          `json:"clarification_question,omitempty"`
}

// OrchestratorResult is the terminal value of one orchestration run.
type OrchestratorResult struct {
	Success         bool                  `json:"success"`
	Response        string                `json:"response"`
	ToolResults     []*WorkerAgentResult  `json:"tool_results"`
	Reflections     []*ReflectionResponse `json:"reflections"`
	TotalDurationMs int64                 `json:"total_duration_ms"`
	Error           string                `json:"error,omitempty"`
}

// OrchestrateRequest enters the loop with an already computed plan.
type OrchestrateRequest struct {
	Question     string
	Plan         *ExecutionPlan
	UserID       string
	History      []core.Message
	SystemPrompt string
}

// RunRequest plans and orchestrates in one call.
type RunRequest struct {
	Question     string
	UserID       string
	History      []core.Message
	SystemPrompt string
	Intent       *IntentAnalysis
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
