package core

import "fmt"

// ToolInfo is the catalog entry the planner shows to the model.
type ToolInfo struct {
	Name         string                 `json:"name" yaml:"name"`
	Description  string                 `json:"description" yaml:"description"`
	RequiredArgs []string               `json:"required_args,omitempty" yaml:"required_args"`
	Parameters   map[string]interface{} `json:"parameters,omitempty" yaml:"parameters"`
}

// ToolError represents a structured error reported by a tool.
//
//	return &core.ToolError{
//	    Code:    "LOCATION_NOT_FOUND",
//	    Message: "City 'Flower Mound, TX' not found",
//	    Details: map[string]string{"hint": "Try 'City, Country' format"},
//	}
type ToolError struct {
	// Code is a machine-readable error identifier (e.g., "LOCATION_NOT_FOUND")
	Code string `json:"code,omitempty"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details provides additional context, e.g. "hint" or "retry_after"
	Details map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ToolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ToolResponse is the standard response envelope for tool invocations.
//
// Success response:
//
//	ToolResponse{Success: true, Data: weatherData}
//
// Error response:
//
//	ToolResponse{Success: false, Error: &ToolError{...}}
type ToolResponse struct {
	// Success indicates whether the invocation succeeded
	Success bool `json:"success"`

	// Data contains the successful response payload (tool-specific)
	Data interface{} `json:"data,omitempty"`

	// Error contains structured error information when Success is false
	Error *ToolError `json:"error,omitempty"`
}

// ErrorText returns the failure text of an unsuccessful response.
func (r *ToolResponse) ErrorText() string {
	if r == nil {
		return "tool returned no response"
	}
	if r.Error != nil {
		return r.Error.Error()
	}
	if !r.Success {
		return "tool reported failure without an error message"
	}
	return ""
}
