// Package mcptool exposes the bridge to assistants as a Model Context
// Protocol tool.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/todo-1m/taskbridge/internal/app/toolclient"
	"github.com/todo-1m/taskbridge/internal/contracts"
)

const (
	serverName    = "taskbridge"
	serverVersion = "0.1.0"
	ToolName      = "tasks"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Caller dispatches a command and waits for its result.
type Caller interface {
	Call(ctx context.Context, userID string, op contracts.Kind, args json.RawMessage) (contracts.DispatchResponse, contracts.CommandResult, error)
}

type TasksInput struct {
	Op   string         `json:"op" jsonschema:"operation: list_lists, list_tasks, create_task, update_task, complete_task or delete_task"`
	Args map[string]any `json:"args,omitempty" jsonschema:"arguments for the operation"`
}

type TasksOutput struct {
	CommandID      string `json:"command_id"`
	DeliveryMethod string `json:"delivery_method"`
	Status         string `json:"status"`
	Result         any    `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
}

func TasksTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        ToolName,
		Description: "Reads and writes the task lists on the user's phone. A timeout means the phone may still complete the command.",
	}
}

// TasksHandler dispatches for userID and waits for the device. Device
// failures and timeouts are returned as output, not as tool errors.
func TasksHandler(caller Caller, userID string, logger zerolog.Logger) mcp.ToolHandlerFor[TasksInput, TasksOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TasksInput) (*mcp.CallToolResult, TasksOutput, error) {
		op := contracts.Kind(strings.TrimSpace(input.Op))
		if !op.Valid() {
			return nil, TasksOutput{}, fmt.Errorf("invalid operation: %s", input.Op)
		}
		var args json.RawMessage
		if input.Args != nil {
			raw, err := json.Marshal(input.Args)
			if err != nil {
				return nil, TasksOutput{}, fmt.Errorf("encode args: %w", err)
			}
			args = raw
		}

		dispatched, result, err := caller.Call(ctx, userID, op, args)
		out := TasksOutput{CommandID: dispatched.CommandID, DeliveryMethod: string(dispatched.DeliveryMethod)}
		var failed *toolclient.CommandFailedError
		switch {
		case err == nil:
			out.Status = StatusCompleted
			if len(result.Result) > 0 {
				var decoded any
				if err := json.Unmarshal(result.Result, &decoded); err != nil {
					return nil, TasksOutput{}, fmt.Errorf("decode result: %w", err)
				}
				out.Result = decoded
			}
		case errors.As(err, &failed):
			out.Status = StatusFailed
			out.Error = failed.Message
		case errors.Is(err, toolclient.ErrResultTimeout):
			out.Status = StatusTimeout
			out.Error = "the device did not report in time; it may still complete the command"
		default:
			return nil, TasksOutput{}, err
		}
		logger.Info().Str("command_id", out.CommandID).Str("op", string(op)).Str("status", out.Status).Msg("tool call finished")
		return nil, out, nil
	}
}

func NewServer(caller Caller, userID string, logger zerolog.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, TasksTool(), TasksHandler(caller, userID, logger))
	return server
}
