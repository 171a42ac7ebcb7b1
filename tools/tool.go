// Package tools provides the in-process tool registry consumed by the
// orchestrator and an HTTP-backed remote tool.
package tools

import (
	"context"

	"github.com/itsneelabh/agentloop/core"
)

// Tool is one invocable capability.
type Tool interface {
	Info() core.ToolInfo
	Invoke(ctx context.Context, args map[string]interface{}, userID string) (*core.ToolResponse, error)
}

// HandlerFunc implements a tool in process.
type HandlerFunc func(ctx context.Context, args map[string]interface{}, userID string) (interface{}, error)

// FuncTool adapts a HandlerFunc to Tool.
type FuncTool struct {
	info    core.ToolInfo
	handler HandlerFunc
}

// NewFuncTool creates an in-process tool. A returned *core.ToolError is
// reported as a structured failure; any other error is returned as is.
func NewFuncTool(info core.ToolInfo, handler HandlerFunc) *FuncTool {
	return &FuncTool{info: info, handler: handler}
}

func (t *FuncTool) Info() core.ToolInfo { return t.info }

func (t *FuncTool) Invoke(ctx context.Context, args map[string]interface{}, userID string) (*core.ToolResponse, error) {
	data, err := t.handler(ctx, args, userID)
	if err != nil {
		if te, ok := err.(*core.ToolError); ok {
			return &core.ToolResponse{Success: false, Error: te}, nil
		}
		return nil, err
	}
	return &core.ToolResponse{Success: true, Data: data}, nil
}
