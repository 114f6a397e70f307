package labor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/yumesha/kimi-cli/approval"
	"github.com/yumesha/kimi-cli/capability"
)

// RegisterLaborCapabilities mounts subagent delegation on a registry.
// spawn_agent is approval-gated; await_agent only observes and is free.
func RegisterLaborCapabilities(reg *capability.Registry, market *Market) {
	reg.Register(spawnAgentCapability(market))
	reg.Register(awaitAgentCapability(market))
}

func spawnAgentCapability(market *Market) capability.Capability {
	return capability.Capability{
		Def: capability.Definition{
			Name:        "spawn_agent",
			Description: "Spawn a subagent that works on a scoped task in the background. Returns the agent id; use await_agent to collect the result.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"task": {
						Type:        "string",
						Description: "Complete, self-contained task description. The subagent sees nothing else of this conversation.",
					},
					"name": {
						Type:        "string",
						Description: "Short name used in the agent id, e.g. 'researcher'. Names matching a configured agent profile inherit its model, prompt and step limit.",
					},
					"max_steps": {
						Type:        "integer",
						Description: "Step limit for the subagent's turn.",
					},
				},
				Required: []string{"task"},
			},
		},
		Meta: capability.Metadata{RequiresApproval: true, Risk: approval.RiskMedium},
		Exec: func(ctx context.Context, inv capability.Invocation, raw json.RawMessage) (string, error) {
			args, err := capability.ParseArguments(raw)
			if err != nil {
				return "", err
			}
			task, _ := capability.StringArg(args, "task")
			if task == "" {
				return "", fmt.Errorf("task is required")
			}
			var spec Spec
			if name, ok := capability.StringArg(args, "name"); ok {
				if preset, found := market.Preset(name); found {
					spec = preset
				}
				spec.Name = name
			}
			if maxSteps, ok := capability.IntArg(args, "max_steps"); ok && maxSteps > 0 {
				spec.MaxSteps = maxSteps
			}

			h, err := market.Spawn(ctx, spec, inv.TurnID, task)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Subagent spawned with ID: %s\nStatus: %s", h.ID, h.Status()), nil
		},
	}
}

func awaitAgentCapability(market *Market) capability.Capability {
	return capability.Capability{
		Def: capability.Definition{
			Name:        "await_agent",
			Description: "Wait for a subagent to finish and return its result.",
			Schema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"agent_id": {
						Type:        "string",
						Description: "Id returned by spawn_agent.",
					},
				},
				Required: []string{"agent_id"},
			},
		},
		Meta: capability.Metadata{Risk: approval.RiskLow, Parallel: true},
		Exec: func(ctx context.Context, inv capability.Invocation, raw json.RawMessage) (string, error) {
			args, err := capability.ParseArguments(raw)
			if err != nil {
				return "", err
			}
			agentID, _ := capability.StringArg(args, "agent_id")
			if agentID == "" {
				return "", fmt.Errorf("agent_id is required")
			}

			res, err := market.Await(ctx, agentID)
			if err != nil {
				return "", err
			}

			status := StatusCompleted
			if h, ok := market.Get(agentID); ok {
				status = h.Status()
			}
			if res.Err != nil {
				return fmt.Sprintf("Status: %s\nError: %v", status, res.Err), nil
			}
			output := res.Output
			if output == "" {
				output = "(no output)"
			}
			return fmt.Sprintf("Status: %s\nSteps used: %d\nOutput:\n%s", status, res.Steps, output), nil
		},
	}
}
