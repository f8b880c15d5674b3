package tools

import (
	"context"
	"fmt"
)

// GatewayController is the slice of the supervisor the agent tool may touch.
type GatewayController interface {
	StatusSnapshot() map[string]interface{}
	RequestSelfRestart(ctx context.Context, reason string) (ok bool, code string, err error)
}

// NewAgentTool lets the model inspect gateway status and request a
// self-modification restart through the supervisor's policy gate.
func NewAgentTool(gw GatewayController) *Definition {
	return &Definition{
		Name:        "agent",
		Description: "Inspect gateway status or request a gateway restart.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"action"},
			"properties": map[string]interface{}{
				"action": map[string]interface{}{"type": "string", "enum": []interface{}{"status", "restart"}},
				"reason": map[string]interface{}{"type": "string"},
			},
		},
		Execute: func(ctx context.Context, input map[string]interface{}, _ *Context) (interface{}, error) {
			switch action, _ := input["action"].(string); action {
			case "status":
				return gw.StatusSnapshot(), nil
			case "restart":
				reason, _ := input["reason"].(string)
				if reason == "" {
					reason = "agent-requested restart"
				}
				ok, code, err := gw.RequestSelfRestart(ctx, reason)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"ok": ok, "code": code}, nil
			default:
				return nil, fmt.Errorf("unknown agent action %q", action)
			}
		},
	}
}
