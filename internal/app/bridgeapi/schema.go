package bridgeapi

import "github.com/todo-1m/taskbridge/internal/contracts"

// ToolSchema is the function-calling description assistants use for
// POST /tool/tasks.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

type ToolProperty struct {
	Type        string           `json:"type"`
	Enum        []contracts.Kind `json:"enum,omitempty"`
	Description string           `json:"description"`
}

func NewToolSchema() ToolSchema {
	return ToolSchema{
		Name:        "device_tasks",
		Description: "Read and write the task lists on the user's phone through a trusted bridge app.",
		Parameters: ToolParameters{
			Type: "object",
			Properties: map[string]ToolProperty{
				"op": {
					Type:        "string",
					Enum:        contracts.Kinds,
					Description: "Operation to perform",
				},
				"args": {
					Type:        "object",
					Description: "Arguments for the operation",
				},
			},
			Required: []string{"op"},
		},
	}
}
